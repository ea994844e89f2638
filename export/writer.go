package export

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

//go:embed template.html
var viewerTemplate string

// archivePlaceholder marks where the viewer template expects the archive to
// be inlined as a JSON string literal.
const archivePlaceholder = "/*[ARCHIVE]*/"

// WriteJSON builds the archive for channelIDs and writes it to path.
func WriteJSON(ctx context.Context, db *sql.DB, channelIDs []int64, path string) error {
	a, err := Build(ctx, db, channelIDs)
	if err != nil {
		return err
	}
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encoding archive: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// WriteHTML builds the archive and renders the self-contained viewer page.
// The archive is embedded as a JSON string literal (encoded twice: once to
// JSON, once to make that JSON a JS string), which the viewer parses on load.
func WriteHTML(ctx context.Context, db *sql.DB, channelIDs []int64, path string) error {
	a, err := Build(ctx, db, channelIDs)
	if err != nil {
		return err
	}
	page, err := RenderHTML(a)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(page), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// RenderHTML inlines the archive into the viewer template.
func RenderHTML(a *Archive) (string, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("encoding archive: %w", err)
	}
	literal, err := json.Marshal(string(data))
	if err != nil {
		return "", fmt.Errorf("encoding archive literal: %w", err)
	}
	if !strings.Contains(viewerTemplate, archivePlaceholder) {
		return "", fmt.Errorf("viewer template is missing the archive placeholder")
	}
	return strings.Replace(viewerTemplate, archivePlaceholder, string(literal), 1), nil
}
