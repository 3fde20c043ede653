package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	httpc "github.com/SolidLabResearch/css-flood/internal/http"
)

// cacheFileSchema is the shape a persisted auth cache must have. Anything
// violating it is rejected with InvalidCacheFormatError before any field is
// interpreted.
const cacheFileSchema = `{
	"type": "object",
	"required": ["timestamp", "cssTokensByUser", "authAccessTokenByUser"],
	"properties": {
		"timestamp": {"type": "string"},
		"filename": {"type": "string"},
		"cssTokensByUser": {
			"type": "array",
			"items": {
				"anyOf": [
					{"type": "null"},
					{
						"type": "object",
						"required": ["id", "secret"],
						"properties": {
							"id": {"type": "string"},
							"secret": {"type": "string"}
						}
					}
				]
			}
		},
		"authAccessTokenByUser": {
			"type": "array",
			"items": {
				"anyOf": [
					{"type": "null"},
					{
						"type": "object",
						"required": ["token", "expire", "dpopKeyPair"],
						"properties": {
							"token": {"type": "string"},
							"expire": {"type": "integer"},
							"dpopKeyPair": {
								"type": "object",
								"required": ["publicKey", "privateKeyType", "privateKey"],
								"properties": {
									"publicKey": {"type": "object"},
									"privateKeyType": {"type": "string"},
									"privateKey": {"type": "string"}
								}
							}
						}
					}
				]
			}
		}
	}
}`

var compiledCacheSchema = jsonschema.MustCompileString("auth-cache.schema.json", cacheFileSchema)

type dpopKeyOnDisk struct {
	PublicKey      json.RawMessage `json:"publicKey"`
	PrivateKeyType string          `json:"privateKeyType"`
	PrivateKey     string          `json:"privateKey"`
}

type accessTokenOnDisk struct {
	Token       string        `json:"token"`
	Expire      int64         `json:"expire"`
	DPoPKeyPair dpopKeyOnDisk `json:"dpopKeyPair"`
}

type cacheOnDisk struct {
	Timestamp    string               `json:"timestamp"`
	Filename     string               `json:"filename"`
	UserTokens   []*UserToken         `json:"cssTokensByUser"`
	AccessTokens []*accessTokenOnDisk `json:"authAccessTokenByUser"`
}

// Serialize encodes the full cache (user tokens, access tokens including
// key material, a timestamp and the origin filename) as JSON.
func (c *AuthFetchCache) Serialize(filename string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	disk := cacheOnDisk{
		Timestamp:    timeNow().Format(time.RFC3339),
		Filename:     filename,
		UserTokens:   append([]*UserToken(nil), c.userTokens...),
		AccessTokens: make([]*accessTokenOnDisk, len(c.accessTokens)),
	}
	for i, at := range c.accessTokens {
		if at == nil {
			continue
		}
		publicKey, err := json.Marshal(at.DPoPKey.PublicJWK())
		if err != nil {
			return "", fmt.Errorf("encoding public key of user %d: %w", i, err)
		}
		privateKey, err := at.DPoPKey.MarshalPKCS8()
		if err != nil {
			return "", fmt.Errorf("encoding private key of user %d: %w", i, err)
		}
		disk.AccessTokens[i] = &accessTokenOnDisk{
			Token:  at.Token,
			Expire: at.Expire.UnixMilli(),
			DPoPKeyPair: dpopKeyOnDisk{
				PublicKey:      publicKey,
				PrivateKeyType: "EC",
				PrivateKey:     privateKey,
			},
		}
	}

	encoded, err := json.Marshal(disk)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

// Save writes the serialized cache to path.
func (c *AuthFetchCache) Save(path string) error {
	content, err := c.Serialize(path)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("saving auth cache: %w", err)
	}
	logger.Infof("saved auth cache to %q (%s)", path, c.CountString())
	return nil
}

// Load reads a persisted cache from path, replacing current entries.
func (c *AuthFetchCache) Load(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("loading auth cache: %w", err)
	}
	return c.Deserialize(string(content))
}

// Deserialize replaces the cache contents from serialized form.
//
// Expiry timestamps are reconstructed as absolute times from their
// epoch-millis encoding, and private keys from their PKCS8 encoding plus
// declared key type. Ready-fetcher slots are left empty: they are rebuilt
// on first use against the restored tokens.
func (c *AuthFetchCache) Deserialize(content string) error {
	var loose interface{}
	if err := json.Unmarshal([]byte(content), &loose); err != nil {
		return &InvalidCacheFormatError{Reason: "not valid JSON", Err: err}
	}
	if err := compiledCacheSchema.Validate(loose); err != nil {
		return &InvalidCacheFormatError{Reason: "schema violation", Err: err}
	}

	var disk cacheOnDisk
	if err := json.Unmarshal([]byte(content), &disk); err != nil {
		return &InvalidCacheFormatError{Reason: "unexpected field type", Err: err}
	}

	loadedAt, err := time.Parse(time.RFC3339, disk.Timestamp)
	if err != nil {
		return &InvalidCacheFormatError{Reason: "timestamp is not ISO-8601", Err: err}
	}

	accessTokens := make([]*AccessToken, len(disk.AccessTokens))
	for i, at := range disk.AccessTokens {
		if at == nil {
			continue
		}
		key, err := ParseDPoPKeyPKCS8(at.DPoPKeyPair.PrivateKeyType, at.DPoPKeyPair.PrivateKey)
		if err != nil {
			return &InvalidCacheFormatError{Reason: fmt.Sprintf("access token of user %d", i), Err: err}
		}
		accessTokens[i] = &AccessToken{
			Token:   at.Token,
			DPoPKey: key,
			Expire:  time.UnixMilli(at.Expire),
		}
	}

	c.mu.Lock()
	c.userTokens = disk.UserTokens
	c.accessTokens = accessTokens
	c.fetchers = make([]httpc.Fetcher, len(accessTokens))
	c.mu.Unlock()

	c.LoadedMeta = &CacheMeta{Timestamp: loadedAt, Filename: disk.Filename}
	logger.Infof("loaded auth cache (%s), saved at %s", c.CountString(), disk.Timestamp)
	return nil
}
