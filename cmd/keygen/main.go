package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
)

// Prints a fresh encryption key for WPHIVE_SECURITY_ENCRYPTION_KEY.
func main() {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		log.Fatalf("failed to generate key: %v", err)
	}

	fmt.Println(hex.EncodeToString(raw))
}
