package server

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	"github.com/aws/aws-sdk-go/service/secretsmanager/secretsmanageriface"
)

// getSecretString retrieves a plaintext secret from AWS Secrets Manager
func getSecretString(ctx context.Context, client secretsmanageriface.SecretsManagerAPI, secretArn string) (string, error) {
	result, err := client.GetSecretValueWithContext(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretArn),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get secret value: %v", err)
	}
	if result.SecretString == nil {
		return "", fmt.Errorf("secret %s has no string value", secretArn)
	}
	return *result.SecretString, nil
}
