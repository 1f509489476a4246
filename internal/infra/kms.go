package infra

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"strings"

	kms "cloud.google.com/go/kms/apiv1"
	kmspb "cloud.google.com/go/kms/apiv1/kmspb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// sealedHeader は封止した成果物の先頭に付ける形式識別子。続けて鍵バージョン名と改行が入る。
const sealedHeader = "KMS1 "

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// KMSClient はバックアップ秘密鍵の成果物をCloud KMSで封止する。
type KMSClient struct {
	client  *kms.KeyManagementClient
	keyName string
}

// NewKMSClient はkeyNameの鍵を使うKMSClientを生成する。
func NewKMSClient(ctx context.Context, keyName string) (*KMSClient, error) {
	if keyName == "" {
		return nil, errors.New("KMS key name is required")
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

// Encrypt は秘密鍵をCloud KMSで暗号化し、使用した鍵バージョンをヘッダーに記録する。
// 転送中の破損はCRC32Cで検出する。
func (c *KMSClient) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	resp, err := c.client.Encrypt(ctx, &kmspb.EncryptRequest{
		Name:            c.keyName,
		Plaintext:       plaintext,
		PlaintextCrc32C: wrapperspb.Int64(checksum(plaintext)),
	})
	if err != nil {
		return nil, fmt.Errorf("sealing private key with %s: %w", c.keyName, err)
	}
	if !resp.VerifiedPlaintextCrc32C {
		return nil, errors.New("KMS did not verify the plaintext checksum")
	}
	if resp.CiphertextCrc32C.GetValue() != checksum(resp.Ciphertext) {
		return nil, errors.New("KMS ciphertext checksum mismatch")
	}
	return encodeSealed(resp.Name, resp.Ciphertext), nil
}

// Decrypt は封止された秘密鍵をCloud KMSで復号する。ヘッダーの無い成果物はそのまま暗号文として扱う。
func (c *KMSClient) Decrypt(ctx context.Context, sealed []byte) ([]byte, error) {
	keyVersion, ciphertext, err := decodeSealed(sealed)
	if err != nil {
		return nil, err
	}
	if keyVersion != "" && !belongsTo(keyVersion, c.keyName) {
		return nil, fmt.Errorf("private key was sealed with %s, not %s", keyVersion, c.keyName)
	}

	resp, err := c.client.Decrypt(ctx, &kmspb.DecryptRequest{
		Name:             c.keyName,
		Ciphertext:       ciphertext,
		CiphertextCrc32C: wrapperspb.Int64(checksum(ciphertext)),
	})
	if err != nil {
		return nil, fmt.Errorf("unsealing private key with %s: %w", c.keyName, err)
	}
	if resp.PlaintextCrc32C.GetValue() != checksum(resp.Plaintext) {
		return nil, errors.New("KMS plaintext checksum mismatch")
	}
	return resp.Plaintext, nil
}

// Close はKMSクライアントを閉じる。
func (c *KMSClient) Close() error {
	return c.client.Close()
}

func checksum(b []byte) int64 {
	return int64(crc32.Checksum(b, castagnoli))
}

func encodeSealed(keyVersion string, ciphertext []byte) []byte {
	out := make([]byte, 0, len(sealedHeader)+len(keyVersion)+1+len(ciphertext))
	out = append(out, sealedHeader...)
	out = append(out, keyVersion...)
	out = append(out, '\n')
	return append(out, ciphertext...)
}

// decodeSealed は成果物を鍵バージョン名と暗号文に分ける。ヘッダーが無い場合、鍵バージョン名は空。
func decodeSealed(data []byte) (keyVersion string, ciphertext []byte, err error) {
	if !bytes.HasPrefix(data, []byte(sealedHeader)) {
		return "", data, nil
	}
	rest := data[len(sealedHeader):]
	i := bytes.IndexByte(rest, '\n')
	if i <= 0 {
		return "", nil, errors.New("sealed private key has a malformed header")
	}
	if len(rest[i+1:]) == 0 {
		return "", nil, errors.New("sealed private key has no ciphertext")
	}
	return string(rest[:i]), rest[i+1:], nil
}

// belongsTo は鍵バージョン名がkeyNameの鍵のバージョンか判定する。
func belongsTo(keyVersion, keyName string) bool {
	return strings.HasPrefix(keyVersion, keyName+"/cryptoKeyVersions/")
}
