package env

import (
	"os"

	"github.com/joho/godotenv"
)

// Env holds the key/value pairs read from the .env file at startup.
var Env map[string]string

// GetEnv resolves a configuration key: the loaded .env file wins, then the
// process environment, then the given default.
func GetEnv(key, def string) string {
	if val, ok := Env[key]; ok {
		return val
	}
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

// SetupEnvFile loads the nearest .env file. Binaries under cmd/ start with
// different working directories, so a few parent levels are probed before
// giving up.
func SetupEnvFile() {
	candidates := []string{
		".env",
		"../../.env",
		"../../../.env",
	}
	for _, path := range candidates {
		if loaded, err := godotenv.Read(path); err == nil {
			Env = loaded
			return
		}
	}
	panic("env: no .env file found")
}

// IsDev reports whether the service runs in development mode.
func IsDev() bool {
	return GetEnv("APP_ENV", "prod") == "dev"
}
