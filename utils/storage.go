package utils

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ArtifactMetadata is the sidecar record stored next to every laudo artifact.
type ArtifactMetadata struct {
	Hash        string    `json:"hash"`
	GeneratedAt time.Time `json:"generated_at"`
}

// ArtifactObjectName returns the canonical object name for a laudo artifact.
// Report IDs equal batch IDs, so the path is stable per batch.
func ArtifactObjectName(reportId int) string {
	return fmt.Sprintf("laudos/%d.artifact", reportId)
}

// ArtifactMetadataObjectName returns the sidecar object name for a laudo artifact.
func ArtifactMetadataObjectName(reportId int) string {
	return ArtifactObjectName(reportId) + ".meta.json"
}

// SaveArtifact writes artifact bytes to the configured storage provider.
func SaveArtifact(ctx context.Context, objectName string, data []byte) error {
	switch GetStorageProvider() {
	case StorageProviderLocal:
		return saveArtifactToDisk(objectName, data)
	default:
		return SaveArtifactToGCS(ctx, objectName, data)
	}
}

// LoadArtifact reads artifact bytes back from the configured storage provider.
func LoadArtifact(ctx context.Context, objectName string) ([]byte, error) {
	switch GetStorageProvider() {
	case StorageProviderLocal:
		return loadArtifactFromDisk(objectName)
	default:
		return LoadArtifactFromGCS(ctx, objectName)
	}
}

// ArtifactExists reports whether the object is present in storage.
func ArtifactExists(ctx context.Context, objectName string) (bool, error) {
	switch GetStorageProvider() {
	case StorageProviderLocal:
		return artifactExistsOnDisk(objectName)
	default:
		return ArtifactExistsInGCS(ctx, objectName)
	}
}

// SaveArtifactMetadata writes the sidecar record for a laudo artifact.
func SaveArtifactMetadata(ctx context.Context, reportId int, metadata ArtifactMetadata) error {
	data, err := json.Marshal(metadata)
	if err != nil {
		return err
	}
	return SaveArtifact(ctx, ArtifactMetadataObjectName(reportId), data)
}

// LoadArtifactMetadata reads the sidecar record back.
func LoadArtifactMetadata(ctx context.Context, reportId int) (*ArtifactMetadata, error) {
	data, err := LoadArtifact(ctx, ArtifactMetadataObjectName(reportId))
	if err != nil {
		return nil, err
	}
	var metadata ArtifactMetadata
	if err := json.Unmarshal(data, &metadata); err != nil {
		return nil, err
	}
	return &metadata, nil
}
