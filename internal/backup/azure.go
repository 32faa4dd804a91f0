package backup

import (
	"context"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"github.com/qualys/envdb/internal/models"
)

type AzureConfig struct {
	AccountURL   string
	Container    string
	Prefix       string
	TenantID     string
	ClientID     string
	ClientSecret string
}

// AzureStore writes snapshots to a blob container.
type AzureStore struct {
	client    *azblob.Client
	container string
	prefix    string
}

func NewAzureStore(cfg AzureConfig) (*AzureStore, error) {
	if cfg.AccountURL == "" || cfg.Container == "" {
		return nil, fmt.Errorf("azure backup store: account url and container are required")
	}

	var (
		cred azcore.TokenCredential
		err  error
	)
	if cfg.ClientSecret != "" {
		cred, err = azidentity.NewClientSecretCredential(cfg.TenantID, cfg.ClientID, cfg.ClientSecret, nil)
	} else {
		cred, err = azidentity.NewDefaultAzureCredential(nil)
	}
	if err != nil {
		return nil, fmt.Errorf("creating credential: %w", err)
	}

	client, err := azblob.NewClient(cfg.AccountURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("creating blob client: %w", err)
	}
	return &AzureStore{client: client, container: cfg.Container, prefix: cfg.Prefix}, nil
}

func (s *AzureStore) Save(ctx context.Context, snap *Snapshot) error {
	data, err := Encode(snap)
	if err != nil {
		return err
	}
	if _, err := s.client.UploadBuffer(ctx, s.container, objectKey(s.prefix, snap.Environment, snap.ID), data, nil); err != nil {
		return fmt.Errorf("uploading backup: %w", err)
	}
	return nil
}

func (s *AzureStore) Load(ctx context.Context, env models.Environment, id string) (*Snapshot, error) {
	resp, err := s.client.DownloadStream(ctx, s.container, objectKey(s.prefix, env, id), nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, env, id)
		}
		return nil, fmt.Errorf("downloading backup: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading backup: %w", err)
	}
	return Decode(data)
}
