// Package kms wraps data keys for at-rest sealing of paste records. The
// primary provider is Vault transit or AWS KMS; a local AES-GCM key from the
// environment serves as fallback and as the development provider.
package kms

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	vault "github.com/hashicorp/vault/api"
)

var (
	ErrProviderUnavailable = errors.New("kms provider unavailable")
	ErrRequiresPrimary     = errors.New("primary KMS provider required but unavailable")
)

// Provider wraps and unwraps small secrets. aad is bound to the ciphertext
// and must be presented again on Decrypt.
type Provider interface {
	Encrypt(ctx context.Context, plaintext, aad []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext, aad []byte) ([]byte, error)
	GetSecret(ctx context.Context, key string) (string, error)
}

type Config struct {
	VaultAddr       string
	VaultToken      string
	VaultMountPath  string
	VaultKeyID      string
	VaultSecretPath string
	AWSRegion       string
	AWSKeyID        string
	LocalKey        string
	RequirePrimary  bool
	FailClosed      bool
}

type Adapter struct {
	primary        Provider
	fallback       Provider
	failClosed     bool
	requirePrimary bool
}

func NewAdapter(ctx context.Context, c Config) (*Adapter, error) {
	var primary, fallback Provider
	if c.VaultAddr != "" {
		vp, err := newVaultProvider(ctx, c)
		if err != nil {
			if c.RequirePrimary {
				return nil, fmt.Errorf("vault provider: %w", err)
			}
		} else {
			primary = vp
		}
	}
	if primary == nil && c.AWSRegion != "" {
		ap, err := newAWSProvider(ctx, c)
		if err != nil {
			if c.RequirePrimary {
				return nil, fmt.Errorf("aws provider: %w", err)
			}
		} else {
			primary = ap
		}
	}
	if primary == nil && c.RequirePrimary {
		return nil, ErrRequiresPrimary
	}
	if !c.RequirePrimary && c.LocalKey != "" {
		lp, err := newLocalProvider(c.LocalKey)
		if err != nil {
			return nil, err
		}
		fallback = lp
	}
	if primary == nil && fallback == nil {
		return nil, fmt.Errorf("no KMS providers available (checked Vault, AWS KMS, KMS_LOCAL_KEY)")
	}
	return &Adapter{
		primary:        primary,
		fallback:       fallback,
		failClosed:     c.FailClosed,
		requirePrimary: c.RequirePrimary,
	}, nil
}

func (a *Adapter) Encrypt(ctx context.Context, plaintext, aad []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if a.primary != nil {
		out, err := a.primary.Encrypt(ctx, plaintext, aad)
		if err == nil {
			return out, nil
		}
		if a.requirePrimary || a.failClosed {
			return nil, fmt.Errorf("kms encrypt failed: %w", err)
		}
	}
	if a.fallback != nil {
		return a.fallback.Encrypt(ctx, plaintext, aad)
	}
	return nil, ErrProviderUnavailable
}

func (a *Adapter) Decrypt(ctx context.Context, ciphertext, aad []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if a.primary != nil {
		out, err := a.primary.Decrypt(ctx, ciphertext, aad)
		if err == nil {
			return out, nil
		}
		if a.requirePrimary || a.failClosed {
			return nil, fmt.Errorf("kms decrypt failed: %w", err)
		}
	}
	if a.fallback != nil {
		return a.fallback.Decrypt(ctx, ciphertext, aad)
	}
	return nil, ErrProviderUnavailable
}

func (a *Adapter) GetSecret(ctx context.Context, key string) (string, error) {
	if a.primary != nil {
		val, err := a.primary.GetSecret(ctx, key)
		if err == nil && val != "" {
			return val, nil
		}
		if a.requirePrimary || a.failClosed {
			return "", fmt.Errorf("get secret %s: %w", key, err)
		}
	}
	if a.fallback != nil {
		return a.fallback.GetSecret(ctx, key)
	}
	return "", ErrProviderUnavailable
}

type vaultProvider struct {
	client     *vault.Client
	mountPath  string
	keyID      string
	secretPath string
}

func newVaultProvider(ctx context.Context, c Config) (*vaultProvider, error) {
	vc := vault.DefaultConfig()
	vc.Address = c.VaultAddr
	vc.Timeout = 5 * time.Second
	client, err := vault.NewClient(vc)
	if err != nil {
		return nil, err
	}
	if c.VaultToken != "" {
		client.SetToken(c.VaultToken)
	}
	healthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := client.Sys().HealthWithContext(healthCtx); err != nil {
		return nil, fmt.Errorf("vault health check failed: %w", err)
	}
	return &vaultProvider{
		client:     client,
		mountPath:  orDefault(c.VaultMountPath, "transit"),
		keyID:      orDefault(c.VaultKeyID, "pastelink-master"),
		secretPath: orDefault(c.VaultSecretPath, "secret/data/pastelink"),
	}, nil
}

func (v *vaultProvider) Encrypt(ctx context.Context, plaintext, aad []byte) ([]byte, error) {
	data := map[string]interface{}{
		"plaintext": base64.StdEncoding.EncodeToString(plaintext),
	}
	if len(aad) > 0 {
		data["context"] = base64.StdEncoding.EncodeToString(aad)
	}
	secret, err := v.client.Logical().WriteWithContext(ctx, v.mountPath+"/encrypt/"+v.keyID, data)
	if err != nil {
		return nil, err
	}
	if secret == nil {
		return nil, errors.New("vault: empty encrypt response")
	}
	ciphertext, ok := secret.Data["ciphertext"].(string)
	if !ok {
		return nil, errors.New("vault: ciphertext not found")
	}
	return []byte(ciphertext), nil
}

func (v *vaultProvider) Decrypt(ctx context.Context, ciphertext, aad []byte) ([]byte, error) {
	data := map[string]interface{}{
		"ciphertext": string(ciphertext),
	}
	if len(aad) > 0 {
		data["context"] = base64.StdEncoding.EncodeToString(aad)
	}
	secret, err := v.client.Logical().WriteWithContext(ctx, v.mountPath+"/decrypt/"+v.keyID, data)
	if err != nil {
		return nil, err
	}
	if secret == nil {
		return nil, errors.New("vault: empty decrypt response")
	}
	plaintextB64, ok := secret.Data["plaintext"].(string)
	if !ok {
		return nil, errors.New("vault: plaintext not found")
	}
	return base64.StdEncoding.DecodeString(plaintextB64)
}

func (v *vaultProvider) GetSecret(ctx context.Context, key string) (string, error) {
	secret, err := v.client.Logical().ReadWithContext(ctx, v.secretPath+"/"+key)
	if err != nil {
		return "", err
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("secret not found: %s", key)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return "", errors.New("vault: invalid secret format")
	}
	value, ok := data["value"].(string)
	if !ok {
		return "", errors.New("vault: value not found")
	}
	return value, nil
}

type awsProvider struct {
	kmsClient *kms.Client
	smClient  *secretsmanager.Client
	keyID     string
}

func newAWSProvider(ctx context.Context, c Config) (*awsProvider, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(c.AWSRegion))
	if err != nil {
		return nil, err
	}
	return &awsProvider{
		kmsClient: kms.NewFromConfig(awsCfg),
		smClient:  secretsmanager.NewFromConfig(awsCfg),
		keyID:     orDefault(c.AWSKeyID, "alias/pastelink-master"),
	}, nil
}

func awsContext(aad []byte) map[string]string {
	if len(aad) == 0 {
		return nil
	}
	return map[string]string{"record": base64.StdEncoding.EncodeToString(aad)}
}

func (a *awsProvider) Encrypt(ctx context.Context, plaintext, aad []byte) ([]byte, error) {
	out, err := a.kmsClient.Encrypt(ctx, &kms.EncryptInput{
		KeyId:             &a.keyID,
		Plaintext:         plaintext,
		EncryptionContext: awsContext(aad),
	})
	if err != nil {
		return nil, fmt.Errorf("aws kms encrypt failed: %w", err)
	}
	return out.CiphertextBlob, nil
}

func (a *awsProvider) Decrypt(ctx context.Context, ciphertext, aad []byte) ([]byte, error) {
	out, err := a.kmsClient.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob:    ciphertext,
		EncryptionContext: awsContext(aad),
	})
	if err != nil {
		return nil, fmt.Errorf("aws kms decrypt failed: %w", err)
	}
	return out.Plaintext, nil
}

func (a *awsProvider) GetSecret(ctx context.Context, key string) (string, error) {
	out, err := a.smClient.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: &key})
	if err != nil {
		return "", fmt.Errorf("failed to get secret %s: %w", key, err)
	}
	if out.SecretString == nil {
		return "", errors.New("secret is binary, not string")
	}
	return *out.SecretString, nil
}

// localProvider wraps keys with AES-256-GCM under KMS_LOCAL_KEY and reads
// secrets straight from the environment.
type localProvider struct {
	aead cipher.AEAD
}

func newLocalProvider(key string) (*localProvider, error) {
	decoded, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("KMS_LOCAL_KEY must be base64-encoded: %w", err)
	}
	if len(decoded) != 32 {
		return nil, fmt.Errorf("KMS_LOCAL_KEY must be exactly 32 bytes when decoded (got %d bytes)", len(decoded))
	}
	block, err := aes.NewCipher(decoded)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &localProvider{aead: aead}, nil
}

func (l *localProvider) Encrypt(ctx context.Context, plaintext, aad []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	nonce := make([]byte, l.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return l.aead.Seal(nonce, nonce, plaintext, aad), nil
}

func (l *localProvider) Decrypt(ctx context.Context, ciphertext, aad []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := l.aead.NonceSize()
	if len(ciphertext) < n {
		return nil, errors.New("ciphertext too short")
	}
	return l.aead.Open(nil, ciphertext[:n], ciphertext[n:], aad)
}

func (l *localProvider) GetSecret(ctx context.Context, key string) (string, error) {
	val, ok := os.LookupEnv(strings.ToUpper(key))
	if !ok {
		return "", fmt.Errorf("secret not found: %s", key)
	}
	return val, nil
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}
