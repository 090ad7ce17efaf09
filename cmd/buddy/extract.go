package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/agenthands/readbuddy/internal/core"
)

var extractCmd = &cobra.Command{
	Use:   "extract [file]",
	Short: "Build the knowledge graph of a document without serving it",
	Long: `Reads a plain text file (pages separated by form feeds) or a JSON
{"filename", "pages"} file, extracts its concepts into the graph store and
prints the result. With --mirror the graph is also pushed to Memgraph.`,
	Args: cobra.ExactArgs(1),
	RunE: runExtract,
}

func init() {
	extractCmd.Flags().Bool("mirror", false, "push the document graph to Memgraph afterwards")
}

func runExtract(cmd *cobra.Command, args []string) error {
	body, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read document: %w", err)
	}
	name, pages, err := core.ParseUpload(filepath.Base(args[0]), body, cfg.Reader.MaxUploadMB<<20)
	if err != nil {
		return err
	}

	cfg.Knowledge.ExtractOnUpload = false
	ctx := cmd.Context()
	b, err := openBuddy(ctx)
	if err != nil {
		return err
	}
	defer b.Close(ctx)

	up, err := b.Upload(ctx, name, pages)
	if err != nil {
		return err
	}
	res, err := b.ExtractDocument(ctx, up.DocID)
	if err != nil {
		return err
	}

	out := map[string]interface{}{"doc_id": up.DocID, "session_id": up.SessionID, "extraction": res}
	if mirror, _ := cmd.Flags().GetBool("mirror"); mirror {
		stats, err := b.MirrorDocument(ctx, up.DocID)
		if err != nil {
			return err
		}
		out["mirror"] = stats
	}
	return printJSON(out)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
