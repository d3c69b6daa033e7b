package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// CheckpointFile persiste un Checkpoint como JSON en disco. Lo comparten los
// sinks no transaccionales basados en archivos: la escritura usa un archivo
// temporal más rename para que el checkpoint nunca quede medio escrito,
// aunque la actualización sigue siendo un efecto separado de los datos.
type CheckpointFile struct {
	path string
}

func NewCheckpointFile(path string) *CheckpointFile {
	return &CheckpointFile{path: path}
}

// Load lee el checkpoint persistido. Un archivo inexistente retorna un
// checkpoint de valor cero; un archivo ilegible retorna ErrCheckpointCorrupt.
func (cf *CheckpointFile) Load() (*Checkpoint, error) {
	data, err := os.ReadFile(cf.path)

	if err != nil {
		if os.IsNotExist(err) {
			return NewCheckpoint(), nil
		}
		return nil, fmt.Errorf("read checkpoint file: %w", err)
	}

	cp := NewCheckpoint()

	if err := json.Unmarshal(data, cp); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCheckpointCorrupt, cf.path, err)
	}

	return cp, nil
}

// Save persiste el checkpoint de forma atómica a nivel de archivo.
func (cf *CheckpointFile) Save(cp *Checkpoint) error {
	data, err := json.Marshal(cp)

	if err != nil {
		return fmt.Errorf("serialize checkpoint: %w", err)
	}

	dir := filepath.Dir(cf.path)

	tmp, err := os.CreateTemp(dir, ".checkpoint-*")

	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}

	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write checkpoint: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync checkpoint: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp checkpoint: %w", err)
	}

	if err := os.Rename(tmpName, cf.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename checkpoint: %w", err)
	}

	return nil
}
