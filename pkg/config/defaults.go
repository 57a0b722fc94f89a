package config

import (
	"time"

	"github.com/openfroyo/hostprep/pkg/envfile"
	"github.com/openfroyo/hostprep/pkg/packages"
	"github.com/openfroyo/hostprep/pkg/service"
)

// Defaults returns the compiled-in configuration for the Turnitin Telegram
// bot. Files and scripts are applied on top of it.
func Defaults() *Config {
	return &Config{
		Project: ProjectConfig{
			Name:        "turnitin-bot",
			Description: "Turnitin Telegram bot",
		},
		Repository: RepositoryConfig{
			Branch:  "main",
			WorkDir: "/opt/turnitin-bot",
		},
		Packages: PackagesConfig{
			Manager:  packages.Apt,
			System:   []string{"python3", "python3-venv", "python3-pip", "git", "curl"},
			Python:   "python3",
			Manifest: "requirements.txt",
			Fallback: []packages.Requirement{
				{Name: "pyTelegramBotAPI"},
				{Name: "python-dotenv"},
				{Name: "playwright"},
				{Name: "requests"},
			},
			Browsers:     []string{"chromium"},
			BrowsersPath: packages.DefaultBrowsersPath,
			Timeout:      Duration(packages.DefaultTimeout),
		},
		Secrets: SecretsConfig{
			Path: ".env",
			Defaults: []envfile.Entry{
				{Key: "TELEGRAM_BOT_TOKEN", Value: "your_telegram_bot_token", Comment: "Token issued by @BotFather", Placeholder: true},
				{Key: "ADMIN_TELEGRAM_ID", Value: "your_telegram_user_id", Comment: "Numeric Telegram user id of the administrator", Placeholder: true},
				{Key: "TURNITIN_EMAIL", Value: "your_turnitin_email", Placeholder: true},
				{Key: "TURNITIN_USERNAME", Value: "your_turnitin_username", Placeholder: true},
				{Key: "TURNITIN_PASSWORD", Value: "your_turnitin_password", Placeholder: true},
				{Key: "TURNITIN_BASE_URL", Value: "https://www.turnitright.com"},
				{Key: "WEBSHARE_API_TOKEN", Value: "your_webshare_api_token", Comment: "Proxy list API token", Placeholder: true},
			},
		},
		Service: ServiceConfig{
			Description: "Turnitin Telegram bot",
			User:        "root",
			Entrypoint:  "main.py",
			Environment: []service.EnvVar{
				{Name: "PYTHONUNBUFFERED", Value: "1"},
			},
			Restart:      "always",
			RestartSec:   10,
			After:        []string{"network-online.target"},
			Wants:        []string{"network-online.target"},
			WantedBy:     []string{"multi-user.target"},
			MaxOpenFiles: 65536,
			MemoryMax:    ByteSize(2 << 30),
			Security: SecurityConfig{
				NoNewPrivileges: true,
				ProtectSystem:   "full",
				PrivateTmp:      true,
			},
			UnitDir:          service.DefaultUnitDir,
			HealthCheckDelay: Duration(3 * time.Second),
			LogLines:         service.DefaultLogLines,
		},
		Policy: PolicyConfig{
			Enabled:   true,
			Mode:      "enforcing",
			MaxMemory: ByteSize(8 << 30),
		},
		State: StateConfig{
			Enabled: true,
			Path:    "/var/lib/hostprep/state.db",
		},
		Telemetry: TelemetryConfig{
			TraceExporter: "none",
		},
	}
}
