package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/glmgate/glmgate/pkg/safego"
)

// AppName is the canonical application name
const AppName = "glmgate"

// Dir returns the configuration home: $XDG_CONFIG_HOME/glmgate, falling
// back to ~/.config/glmgate.
func Dir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, AppName)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", AppName)
}

// TokenFilePath 持久化 token 文件位置
func TokenFilePath() string {
	return filepath.Join(Dir(), "config.json")
}

// tokenFile 唯一的持久化状态
type tokenFile struct {
	Token string `json:"token"`
}

// LoadTokenFile reads the bearer token from the persistent config file.
func LoadTokenFile() (string, error) {
	data, err := os.ReadFile(TokenFilePath())
	if err != nil {
		return "", err
	}
	var tf tokenFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return "", fmt.Errorf("parse %s: %w", TokenFilePath(), err)
	}
	if tf.Token == "" {
		return "", fmt.Errorf("no token in %s", TokenFilePath())
	}
	return tf.Token, nil
}

// SaveTokenFile persists the bearer token, creating the directory on first
// use. 0600: the token grants full account access.
func SaveTokenFile(token string) error {
	if err := os.MkdirAll(Dir(), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(tokenFile{Token: token}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(TokenFilePath(), data, 0600)
}

// WatchTokenFile re-reads the token file on change and feeds the new token
// to onChange. Editors replace files instead of writing in place, so the
// watcher follows the directory rather than the file itself.
func WatchTokenFile(logger *zap.Logger, onChange func(token string)) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := Dir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		watcher.Close()
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	target := TokenFilePath()
	safego.Go(logger, "token-watcher", func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				token, err := LoadTokenFile()
				if err != nil {
					logger.Warn("token file changed but unreadable", zap.Error(err))
					continue
				}
				logger.Info("token reloaded from config file")
				onChange(token)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("token watcher error", zap.Error(err))
			}
		}
	})

	return watcher, nil
}
