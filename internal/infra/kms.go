package infra

import (
	"context"
	"fmt"

	kms "cloud.google.com/go/kms/apiv1"
	kmspb "cloud.google.com/go/kms/apiv1/kmspb"
)

// KMSClient はCloud KMSクライアントをラップする。KEKの鍵素材を保存前に封印するのに使う。
type KMSClient struct {
	client  *kms.KeyManagementClient
	keyName string
}

// NewKMSClient は指定されたキー名でKMSClientを生成する。
func NewKMSClient(ctx context.Context, keyName string) (*KMSClient, error) {
	if keyName == "" {
		return nil, fmt.Errorf("KMS key name is required")
	}

	client, err := kms.NewKeyManagementClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating KMS client: %w", err)
	}

	return &KMSClient{
		client:  client,
		keyName: keyName,
	}, nil
}

// Seal は鍵素材をCloud KMSで暗号化する。aad はKEKバージョンIDなどの追加認証データ。
func (c *KMSClient) Seal(ctx context.Context, plaintext, aad []byte) ([]byte, error) {
	req := &kmspb.EncryptRequest{
		Name:                        c.keyName,
		Plaintext:                   plaintext,
		AdditionalAuthenticatedData: aad,
	}
	resp, err := c.client.Encrypt(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("encrypting: %w", err)
	}
	return resp.Ciphertext, nil
}

// Unseal はCloud KMSで封印された鍵素材を復号する。
func (c *KMSClient) Unseal(ctx context.Context, ciphertext, aad []byte) ([]byte, error) {
	req := &kmspb.DecryptRequest{
		Name:                        c.keyName,
		Ciphertext:                  ciphertext,
		AdditionalAuthenticatedData: aad,
	}
	resp, err := c.client.Decrypt(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	return resp.Plaintext, nil
}

// Close はKMSクライアントを閉じる。
func (c *KMSClient) Close() error {
	return c.client.Close()
}
