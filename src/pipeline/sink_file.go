package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/SOLUCIONESSYCOM/go_cdc_pipeline/src/observability"
)

// FileSink escribe filas y eventos como NDJSON, un archivo por tabla, con el
// checkpoint en un archivo JSON aparte. Los datos y el checkpoint son dos
// efectos separados: el sink es no transaccional y depende del deduplicador
// para acotar los duplicados tras una caída entre ambos.
type FileSink struct {
	name       string
	outputDir  string
	checkpoint *CheckpointFile
	logger     observability.Logger
	mu         sync.Mutex
	files      map[string]*os.File
	cp         *Checkpoint
}

func NewFileSink(name, outputDir string, logger observability.Logger) (*FileSink, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	return &FileSink{
		name:       name,
		outputDir:  outputDir,
		checkpoint: NewCheckpointFile(filepath.Join(outputDir, "checkpoint.json")),
		logger:     logger,
		files:      make(map[string]*os.File),
	}, nil
}

func (fs *FileSink) Name() string {
	return fs.name
}

func (fs *FileSink) Transactional() bool {
	return false
}

func (fs *FileSink) ReadCheckpoint(ctx context.Context) (*Checkpoint, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	cp, err := fs.checkpoint.Load()

	if err != nil {
		return nil, err
	}

	fs.cp = cp

	return cp.Clone(), nil
}

func (fs *FileSink) fileFor(table string) (*os.File, error) {
	if file, exists := fs.files[table]; exists {
		return file, nil
	}

	fileName := strings.ReplaceAll(table, ".", "_") + ".json"
	filePath := filepath.Join(fs.outputDir, fileName)

	file, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	fs.files[table] = file

	return file, nil
}

func (fs *FileSink) writeLine(file *os.File, v interface{}) error {
	jsonData, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("serialize: %w", err)
	}

	if _, err := file.Write(append(jsonData, '\n')); err != nil {
		return fmt.Errorf("write to file: %w", err)
	}

	return nil
}

func (fs *FileSink) ensureCheckpoint() error {
	if fs.cp != nil {
		return nil
	}

	cp, err := fs.checkpoint.Load()
	if err != nil {
		return err
	}

	fs.cp = cp
	return nil
}

func (fs *FileSink) ApplyRows(ctx context.Context, table string,
	rows []RowSnapshot, cursor TableCursor) error {

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.ensureCheckpoint(); err != nil {
		return err
	}

	file, err := fs.fileFor(table)
	if err != nil {
		return err
	}

	for i := range rows {
		if err := fs.writeLine(file, &rows[i]); err != nil {
			return err
		}
	}

	if err := file.Sync(); err != nil {
		return fmt.Errorf("sync data file: %w", err)
	}

	fs.cp.SetTableCursor(table, cursor)

	return fs.checkpoint.Save(fs.cp)
}

func (fs *FileSink) ApplyTransaction(ctx context.Context, txn *Transaction) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.ensureCheckpoint(); err != nil {
		return err
	}

	for i := range txn.Events {
		event := &txn.Events[i]

		file, err := fs.fileFor(event.Table)
		if err != nil {
			return err
		}

		if err := fs.writeLine(file, event); err != nil {
			return err
		}
	}

	for _, file := range fs.files {
		if err := file.Sync(); err != nil {
			return fmt.Errorf("sync data file: %w", err)
		}
	}

	fs.cp.LastApplied = txn.Commit

	return fs.checkpoint.Save(fs.cp)
}

func (fs *FileSink) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	for _, file := range fs.files {
		if err := file.Close(); err != nil {
			return err
		}
	}

	fs.files = make(map[string]*os.File)

	return nil
}
