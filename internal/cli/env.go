// Package cli holds flag helpers shared by the sieve subcommands.
package cli

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

const (
	defaultEnvFile = ".env"

	// EnvFileVar names a dotenv file that takes precedence over --env.
	EnvFileVar = "SIEVE_ENV_FILE"
)

// EnvLoader applies a dotenv file to the process environment. Variables
// already set in the environment keep their values.
type EnvLoader struct {
	path *string
}

// AddEnvFlag registers --env on flags.
func AddEnvFlag(flags *flag.FlagSet) *EnvLoader {
	if flags == nil {
		flags = flag.CommandLine
	}
	return &EnvLoader{
		path: flags.String("env", defaultEnvFile, "Path to a .env file; "+EnvFileVar+" overrides it"),
	}
}

// Load applies the selected file and returns its path. A missing default
// .env is not an error; a file named explicitly must exist.
func (l *EnvLoader) Load() (string, error) {
	path, explicit := l.resolve()
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("load env file %s: %w", path, err)
	}
	return path, nil
}

func (l *EnvLoader) resolve() (string, bool) {
	if custom := strings.TrimSpace(os.Getenv(EnvFileVar)); custom != "" {
		return custom, true
	}
	path := defaultEnvFile
	if l != nil && l.path != nil {
		path = strings.TrimSpace(*l.path)
	}
	if path == "" || path == defaultEnvFile {
		return defaultEnvFile, false
	}
	return path, true
}
