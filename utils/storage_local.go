package utils

import (
	"os"
	"path/filepath"
)

// Local-disk artifact storage for development and tests
// (STORAGE_PROVIDER=local). Layout mirrors the GCS object names.

func artifactBaseDir() string {
	dir := os.Getenv("ARTIFACT_DIR")
	if dir == "" {
		dir = "artifacts"
	}
	return dir
}

func saveArtifactToDisk(objectName string, data []byte) error {
	path := filepath.Join(artifactBaseDir(), filepath.FromSlash(objectName))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	// Digest repair re-hashes stored bytes; replace atomically so a reader
	// never sees a partial file.
	tmp := path + ".tmp-" + GenerateUniqueFilename()
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func loadArtifactFromDisk(objectName string) ([]byte, error) {
	return os.ReadFile(filepath.Join(artifactBaseDir(), filepath.FromSlash(objectName)))
}

func artifactExistsOnDisk(objectName string) (bool, error) {
	_, err := os.Stat(filepath.Join(artifactBaseDir(), filepath.FromSlash(objectName)))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
