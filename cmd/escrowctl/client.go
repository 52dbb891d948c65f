package main

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	toml "github.com/pelletier/go-toml/v2"

	"github.com/gridmarket/escrowd/internal/auth"
)

const (
	configEnvVar   = "ESCROWCTL_CONFIG"
	configDir      = ".escrowctl"
	configFile     = "config.toml"
	requestTimeout = 30 * time.Second
	requestTTL     = 2 * time.Minute
)

// Config is the operator-side CLI configuration, stored as TOML.
// private_key may be omitted for read-only commands.
type Config struct {
	APIURL     string `toml:"api_url"`
	PrivateKey string `toml:"private_key"`
}

func configPath() (string, error) {
	if p := os.Getenv(configEnvVar); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, configDir, configFile), nil
}

func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := &Config{}
	if err := toml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.APIURL == "" {
		return nil, fmt.Errorf("config %s: api_url is required", path)
	}
	return cfg, nil
}

// Client talks to the escrow daemon, signing state-changing requests with
// the configured wallet key.
type Client struct {
	baseURL string
	key     *ecdsa.PrivateKey
	http    *http.Client
}

func newClient(cfg *Config) (*Client, error) {
	c := &Client{
		baseURL: cfg.APIURL,
		http:    &http.Client{Timeout: requestTimeout},
	}
	if cfg.PrivateKey != "" {
		key, err := crypto.HexToECDSA(trimHexPrefix(cfg.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("parse private_key: %w", err)
		}
		c.key = key
	}
	return c, nil
}

func trimHexPrefix(s string) string {
	if len(s) > 2 && s[:2] == "0x" {
		return s[2:]
	}
	return s
}

// apiError is the daemon's error envelope; Code is the stable reason code.
type apiError struct {
	Message string `json:"error"`
	Code    string `json:"code"`
}

func (e *apiError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s)", e.Message, e.Code)
	}
	return e.Message
}

// Get performs an unauthenticated read.
func (c *Client) Get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

// Post signs the payload and issues an authenticated call.
func (c *Client) Post(ctx context.Context, path, action, resourceID string, payload any) ([]byte, error) {
	if c.key == nil {
		return nil, fmt.Errorf("this command needs private_key in the config")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	msg, err := json.Marshal(auth.SignedRequest{
		Action:     action,
		ExpiresAt:  time.Now().Add(requestTTL).Unix(),
		Nonce:      uuid.NewString(),
		Payload:    body,
		ResourceID: resourceID,
	})
	if err != nil {
		return nil, err
	}
	sig, err := auth.Sign(msg, c.key)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Wallet-Address", crypto.PubkeyToAddress(c.key.PublicKey).Hex())
	req.Header.Set("X-Signed-Message", base64.StdEncoding.EncodeToString(msg))
	req.Header.Set("X-Wallet-Signature", "0x"+hex.EncodeToString(sig))
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		apiErr := &apiError{}
		if jsonErr := json.Unmarshal(body, apiErr); jsonErr == nil && apiErr.Message != "" {
			return nil, apiErr
		}
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, body)
	}
	return body, nil
}

// printJSON re-indents a response body for the terminal.
func printJSON(w io.Writer, body []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, body, "", "  "); err != nil {
		_, werr := fmt.Fprintln(w, string(body))
		return werr
	}
	_, err := fmt.Fprintln(w, buf.String())
	return err
}
