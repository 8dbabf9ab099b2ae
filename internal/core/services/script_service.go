package services

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/wphive/backend/internal/core/ports"
	"github.com/wphive/backend/internal/core/provision"
	"github.com/wphive/backend/internal/domain"
	"github.com/wphive/backend/internal/infrastructure/logger"
)

const webRoot = "/var/www/wordpress"

// installScriptTemplate is the standalone one-shot installer delivered via
// the one-time token route. The remote host reports progress back through
// the token-authenticated callback endpoint.
const installScriptTemplate = `#!/bin/bash
set -e

API_URL="{{.APIURL}}"
TOKEN="{{.Token}}"
SITE_DOMAIN="{{.Domain}}"

report() {
    curl -sf -X POST "${API_URL}/installations/progress" \
        -H "Content-Type: application/json" \
        -d "{\"token\":\"${TOKEN}\",\"step\":\"$1\",\"message\":\"$2\",\"progress\":$3}" \
        >/dev/null 2>&1 || true
}

echo "WordPress installer for ${SITE_DOMAIN}"

if [ "$EUID" -ne 0 ]; then
   echo "Please run as root (use sudo)"
   exit 1
fi

report preflight "Checking system" 10
uname -a
df -h /

report dependencies "Installing packages" 30
export DEBIAN_FRONTEND=noninteractive
apt-get update -qq
apt-get install -y nginx mysql-server php-fpm php-mysql curl unzip

report wordpress "Installing WordPress" 60
mkdir -p {{.WebRoot}}
curl -sfL https://wordpress.org/latest.tar.gz | tar xz -C {{.WebRoot}} --strip-components=1
chown -R www-data:www-data {{.WebRoot}}

report verification "Verifying installation" 90
curl -sf "http://127.0.0.1/" >/dev/null

report verification "Installation complete" 100
echo "Done."
`

type scriptService struct {
	log       *logger.Logger
	publicURL string
	tmpl      *template.Template
}

func NewScriptService(log *logger.Logger, publicURL string) ports.ScriptGenerator {
	return &scriptService{
		log:       log,
		publicURL: publicURL,
		tmpl:      template.Must(template.New("install").Parse(installScriptTemplate)),
	}
}

func (s *scriptService) InstallScript(installation *domain.Installation) (string, error) {
	var buf bytes.Buffer
	err := s.tmpl.Execute(&buf, map[string]string{
		"APIURL":  s.publicURL,
		"Token":   installation.AccessToken,
		"Domain":  installation.Domain,
		"WebRoot": webRoot,
	})
	if err != nil {
		s.log.Errorw("install_script_render_failed", "installation_id", installation.ID, "error", err)
		return "", err
	}
	return buf.String(), nil
}

// StepCommands renders the shell commands of one orchestrated step. The
// caller treats the returned strings as opaque.
func (s *scriptService) StepCommands(stepID string, installation *domain.Installation) ([]string, error) {
	switch stepID {
	case provision.StepPreflight:
		return []string{
			"uname -a",
			"df -h / | tail -1",
			"nproc && free -m | head -2",
		}, nil

	case provision.StepDependencies:
		waitLock := "while fuser /var/lib/dpkg/lock-frontend >/dev/null 2>&1; do echo 'Waiting for apt lock...'; sleep 3; done"
		return []string{
			fmt.Sprintf("export DEBIAN_FRONTEND=noninteractive && %s && sudo -E apt-get update -qq", waitLock),
			fmt.Sprintf("export DEBIAN_FRONTEND=noninteractive && %s && sudo -E apt-get install -y nginx mysql-server php-fpm php-mysql php-curl php-gd php-xml php-mbstring curl unzip", waitLock),
			"curl -sfL -o /tmp/wp-cli.phar https://raw.githubusercontent.com/wp-cli/builds/gh-pages/phar/wp-cli.phar && sudo mv /tmp/wp-cli.phar /usr/local/bin/wp && sudo chmod +x /usr/local/bin/wp",
		}, nil

	case provision.StepWordPress:
		dbPass := installation.GeneratedAdminPassword
		return []string{
			fmt.Sprintf("sudo mkdir -p %s && sudo chown -R www-data:www-data %s", webRoot, webRoot),
			fmt.Sprintf("sudo -u www-data wp core download --path=%s", webRoot),
			fmt.Sprintf("sudo mysql -e \"CREATE DATABASE IF NOT EXISTS wordpress; CREATE USER IF NOT EXISTS 'wordpress'@'localhost' IDENTIFIED BY '%s'; GRANT ALL ON wordpress.* TO 'wordpress'@'localhost'; FLUSH PRIVILEGES;\"", dbPass),
			fmt.Sprintf("sudo -u www-data wp config create --path=%s --dbname=wordpress --dbuser=wordpress --dbpass='%s'", webRoot, dbPass),
			fmt.Sprintf("sudo -u www-data wp core install --path=%s --url='http://%s' --title='%s' --admin_user=admin --admin_password='%s' --admin_email='admin@%s'",
				webRoot, installation.Domain, installation.Domain, installation.GeneratedAdminPassword, installation.Domain),
			s.nginxSiteCommand(installation.Domain),
			"sudo nginx -t && sudo systemctl reload nginx",
		}, nil

	case provision.StepSSL:
		return []string{
			"export DEBIAN_FRONTEND=noninteractive && sudo -E apt-get install -y certbot python3-certbot-nginx",
			fmt.Sprintf("sudo certbot --nginx --non-interactive --agree-tos -m 'admin@%s' -d '%s' --redirect", installation.Domain, installation.Domain),
		}, nil

	case provision.StepVerification:
		return []string{
			"sudo systemctl is-active nginx",
			"sudo systemctl is-active mysql",
			fmt.Sprintf("curl -sf -o /dev/null -w '%%{http_code}' -H 'Host: %s' http://127.0.0.1/", installation.Domain),
		}, nil
	}

	return nil, fmt.Errorf("unknown step: %s", stepID)
}

func (s *scriptService) nginxSiteCommand(siteDomain string) string {
	site := fmt.Sprintf(`server {
    listen 80;
    server_name %s;
    root %s;
    index index.php index.html;
    location / {
        try_files $uri $uri/ /index.php?$args;
    }
    location ~ \.php$ {
        include snippets/fastcgi-php.conf;
        fastcgi_pass unix:/run/php/php-fpm.sock;
    }
}`, siteDomain, webRoot)

	// echo | sudo tee so the write works under sudo
	safe := bytes.ReplaceAll([]byte(site), []byte("'"), []byte(`'\''`))
	return fmt.Sprintf("echo '%s' | sudo tee /etc/nginx/sites-available/%s > /dev/null && sudo ln -sf /etc/nginx/sites-available/%s /etc/nginx/sites-enabled/%s",
		string(safe), siteDomain, siteDomain, siteDomain)
}
