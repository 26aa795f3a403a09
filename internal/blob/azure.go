package blob

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"
)

// Azure stores blobs in one Azure Storage container and issues read-only SAS
// URLs.
type Azure struct {
	client    *azblob.Client
	container string
}

// NewAzure connects with an account connection string. The connection string
// must carry an account key for SAS generation.
func NewAzure(connectionString, container string) (*Azure, error) {
	if container == "" {
		return nil, errors.New("blob: container is required")
	}
	client, err := azblob.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("creating azure blob client: %w", err)
	}
	return &Azure{client: client, container: container}, nil
}

// EnsureContainer creates the container if it does not exist.
func (a *Azure) EnsureContainer(ctx context.Context) error {
	_, err := a.client.CreateContainer(ctx, a.container, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return fmt.Errorf("creating container %s: %w", a.container, err)
	}
	return nil
}

func (a *Azure) Put(ctx context.Context, p string, data []byte) (string, error) {
	if _, err := a.client.UploadBuffer(ctx, a.container, p, data, nil); err != nil {
		return "", fmt.Errorf("uploading %s: %w", p, err)
	}
	return p, nil
}

func (a *Azure) ReadURL(ctx context.Context, p string, ttl time.Duration) (string, error) {
	bc := a.client.ServiceClient().NewContainerClient(a.container).NewBlobClient(p)
	if _, err := bc.GetProperties(ctx, nil); err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
			return "", fmt.Errorf("%s: %w", p, ErrNotFound)
		}
		return "", fmt.Errorf("reading properties of %s: %w", p, err)
	}
	u, err := bc.GetSASURL(sas.BlobPermissions{Read: true}, time.Now().UTC().Add(ttl), nil)
	if err != nil {
		return "", fmt.Errorf("signing %s: %w", p, err)
	}
	return u, nil
}
