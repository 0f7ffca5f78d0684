package credentials

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
)

type claudeCredentials struct {
	ClaudeAiOauth *struct {
		AccessToken string `json:"accessToken"`
		ExpiresAt   int64  `json:"expiresAt"`
	} `json:"claudeAiOauth"`
}

// ClaudeCodeToken imports the Anthropic OAuth token from a local Claude
// Code install. On macOS it reads the system keychain; elsewhere it reads
// ~/.claude/.credentials.json.
func ClaudeCodeToken() (Record, error) {
	var jsonData []byte
	var err error
	if runtime.GOOS == "darwin" {
		jsonData, err = claudeFromKeychain()
	} else {
		jsonData, err = claudeFromFile()
	}
	if err != nil {
		return Record{}, err
	}

	var creds claudeCredentials
	if err := json.Unmarshal(jsonData, &creds); err != nil {
		return Record{}, fmt.Errorf("parse claude credentials: %w", err)
	}
	if creds.ClaudeAiOauth == nil || creds.ClaudeAiOauth.AccessToken == "" {
		return Record{}, fmt.Errorf("no access token in claude credentials")
	}
	return Record{
		Type:    TypeOAuth,
		Access:  creds.ClaudeAiOauth.AccessToken,
		Expires: creds.ClaudeAiOauth.ExpiresAt,
	}, nil
}

func claudeFromKeychain() ([]byte, error) {
	user := os.Getenv("USER")
	if user == "" {
		return nil, fmt.Errorf("USER environment variable not set")
	}
	cmd := exec.Command("security", "find-generic-password",
		"-s", "Claude Code-credentials",
		"-a", user,
		"-w")
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("read keychain: %w (is Claude Code installed and logged in?)", err)
	}
	return output, nil
}

func claudeFromFile() ([]byte, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get home directory: %w", err)
	}
	credPath := filepath.Join(home, ".claude", ".credentials.json")
	data, err := os.ReadFile(credPath)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w (is Claude Code installed and logged in?)", credPath, err)
	}
	return data, nil
}

type geminiOAuth struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiryDate   int64  `json:"expiry_date"`
}

// GeminiCLIToken imports OAuth credentials from a local gemini-cli install
// (~/.gemini/oauth_creds.json).
func GeminiCLIToken() (Record, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Record{}, fmt.Errorf("get home directory: %w", err)
	}
	path := filepath.Join(home, ".gemini", "oauth_creds.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return Record{}, fmt.Errorf("read %s: %w (is gemini-cli installed and logged in?)", path, err)
	}
	var creds geminiOAuth
	if err := json.Unmarshal(data, &creds); err != nil {
		return Record{}, fmt.Errorf("parse gemini credentials: %w", err)
	}
	if creds.AccessToken == "" {
		return Record{}, fmt.Errorf("no access token in gemini credentials")
	}
	return Record{
		Type:    TypeOAuth,
		Access:  creds.AccessToken,
		Refresh: creds.RefreshToken,
		Expires: creds.ExpiryDate,
	}, nil
}
