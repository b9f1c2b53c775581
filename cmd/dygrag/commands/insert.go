package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/OFFIS-RIT/dygrag/pkg/common"
	"github.com/OFFIS-RIT/dygrag/pkg/graph"

	"github.com/spf13/cobra"
)

var corpusFile string

var insertCmd = &cobra.Command{
	Use:   "insert [file...]",
	Short: "Index text files or a corpus JSON file",
	Long: `Index documents. Each plain file becomes one document titled by its
base name. --corpus reads a JSON array of {title, doc_id, context}.

Documents already in the index are skipped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		docs, err := readDocuments(corpusFile, args)
		if err != nil {
			return err
		}
		if len(docs) == 0 {
			return fmt.Errorf("no documents given, pass files or --corpus")
		}

		ctx, eng, closeFn, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		if err := eng.Insert(ctx, docs); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Indexed %d documents\n", len(docs))
		return nil
	},
}

func init() {
	insertCmd.Flags().StringVar(&corpusFile, "corpus", "", "corpus JSON file")
}

func readDocuments(corpus string, files []string) ([]common.Document, error) {
	var docs []common.Document
	if corpus != "" {
		f, err := os.Open(corpus)
		if err != nil {
			return nil, fmt.Errorf("failed to open corpus: %w", err)
		}
		defer f.Close()
		if docs, err = graph.LoadCorpus(f); err != nil {
			return nil, err
		}
	}
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read file %s: %w", path, err)
		}
		if strings.TrimSpace(string(data)) == "" {
			continue
		}
		docs = append(docs, common.Document{
			Title:   strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
			Content: string(data),
		})
	}
	return docs, nil
}
