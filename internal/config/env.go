package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/joho/godotenv"
)

// SecretsClient はSecrets Managerからシークレットを取得する。
// *secretsmanager.Client が実装する。
type SecretsClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// LoadEnv はSecrets Manager（設定時のみ）と .env ファイルから環境変数を補う。
// どちらも既に設定済みの環境変数は上書きしない。
// シークレットの取得失敗は起動を止めず、警告ログのみ残す。
func LoadEnv(ctx context.Context) {
	if secretID := secretIDFromEnv(); secretID != "" {
		client, err := newSecretsClient(ctx, os.Getenv("AWS_SECRETS_MANAGER_REGION"))
		if err != nil {
			slog.Warn("skipping AWS Secrets Manager load", slog.String("error", err.Error()))
		} else if _, err := ApplySecret(ctx, client, secretID, os.Getenv("AWS_SECRETS_MANAGER_VERSION_STAGE")); err != nil {
			slog.Warn("skipping AWS Secrets Manager load", slog.String("error", err.Error()))
		}
	}
	loadDotEnv()
}

func secretIDFromEnv() string {
	if id := os.Getenv("AWS_SECRETS_MANAGER_SECRET_ID"); id != "" {
		return id
	}
	return os.Getenv("AWS_SECRET_ID")
}

func loadDotEnv() {
	envFile := getEnvString("ENV_FILE_PATH", ".env")
	if err := godotenv.Load(envFile); err != nil {
		// コンテナでは環境変数が直接注入されるため、ファイルがなくても問題ない
		slog.Debug(".env file not loaded", slog.String("path", envFile))
	}
}

func newSecretsClient(ctx context.Context, region string) (*secretsmanager.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return secretsmanager.NewFromConfig(cfg), nil
}

// ApplySecret はJSONオブジェクト形式のシークレットを取得し、未設定の環境変数に反映する。
// 反映した変数の数を返す。
func ApplySecret(ctx context.Context, client SecretsClient, secretID, versionStage string) (int, error) {
	if versionStage == "" {
		versionStage = "AWSCURRENT"
	}

	out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId:     aws.String(secretID),
		VersionStage: aws.String(versionStage),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to fetch secret %s: %w", secretID, err)
	}

	var payload string
	switch {
	case out.SecretString != nil:
		payload = *out.SecretString
	case len(out.SecretBinary) > 0:
		payload = string(out.SecretBinary)
	default:
		return 0, fmt.Errorf("secret %s has no payload", secretID)
	}

	var kv map[string]interface{}
	if err := json.Unmarshal([]byte(payload), &kv); err != nil {
		return 0, fmt.Errorf("failed to parse secret %s as JSON: %w", secretID, err)
	}

	applied := 0
	for key, val := range kv {
		if strings.TrimSpace(key) == "" || os.Getenv(key) != "" {
			continue
		}
		if err := os.Setenv(key, fmt.Sprint(val)); err != nil {
			return applied, fmt.Errorf("failed to set %s from secret: %w", key, err)
		}
		applied++
	}

	slog.Info("loaded environment from AWS Secrets Manager",
		slog.String("secret_id", secretID),
		slog.Int("applied", applied),
	)
	return applied, nil
}
