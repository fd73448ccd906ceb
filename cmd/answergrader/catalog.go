package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/pavelanni/answergrader/internal/model"
	"github.com/pavelanni/answergrader/internal/store"
)

// importCatalogs loads each catalog file once. A file already imported with the
// same content is skipped; a file whose content changed since its import is
// skipped with a warning so existing answers keep their questions.
func importCatalogs(ctx context.Context, db *store.Store, paths []string) error {
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}

		hash := sha256sum(data)
		storedHash, err := db.GetImportedFileHash(ctx, path)
		if err != nil {
			return fmt.Errorf("check import status for %s: %w", path, err)
		}

		if storedHash == hash {
			slog.Info("catalog file unchanged, skipping", "path", path)
			continue
		}
		if storedHash != "" {
			slog.Warn("catalog file changed since last import, skipping to avoid altering graded questions",
				"path", path)
			continue
		}

		var cat model.Catalog
		if err := json.Unmarshal(data, &cat); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		if err := db.ImportCatalog(ctx, cat); err != nil {
			return fmt.Errorf("import %s: %w", path, err)
		}
		if err := db.SetImportedFileHash(ctx, path, hash); err != nil {
			return fmt.Errorf("record import for %s: %w", path, err)
		}
		slog.Info("imported catalog file", "path", path, "exams", len(cat.Exams), "questions", cat.QuestionCount())
	}
	return nil
}

func sha256sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
