package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/spf13/cobra"
	"github.com/xlab/treeprint"

	"github.com/nickcecere/kbase/internal/kb"
	"github.com/nickcecere/kbase/internal/store"
	"github.com/nickcecere/kbase/internal/ui"
)

var listFlat bool

// listCmd represents the list command
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored documents",
	Long: `List every stored document as a tree of source paths.

Documents added from a directory are placed under their source path; others
appear at the top level under their file name.`,
	Args: cobra.NoArgs,
	RunE: runList,
}

// showCmd represents the show command
var showCmd = &cobra.Command{
	Use:   "show <doc-id>",
	Short: "Show a document's files and chunks",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

func init() {
	listCmd.Flags().BoolVar(&listFlat, "flat", false, "one line per document instead of a tree")
}

func runList(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	docs := a.kb.Documents()
	if len(docs) == 0 {
		fmt.Println("The knowledge base is empty.")
		fmt.Println("\nRun 'kbase add <path>' to add documents.")
		return nil
	}

	if listFlat {
		for _, d := range docs {
			fmt.Printf("%s  %s\n", ui.Highlight.Render(d.ID), documentLabel(d))
		}
		return nil
	}

	fmt.Print(documentTree(a.kb.Root(), docs).String())
	fmt.Println(ui.Dim.Render(fmt.Sprintf("%d documents", len(docs))))
	return nil
}

// documentTree groups documents by the directories of their source path.
func documentTree(root string, docs []kb.DocumentInfo) treeprint.Tree {
	tree := treeprint.New()
	tree.SetValue(root)

	dirs := map[string]treeprint.Tree{"": tree}
	var branch func(dir string) treeprint.Tree
	branch = func(dir string) treeprint.Tree {
		if t, ok := dirs[dir]; ok {
			return t
		}
		parent := path.Dir(dir)
		if parent == "." {
			parent = ""
		}
		t := branch(parent).AddBranch(path.Base(dir) + "/")
		dirs[dir] = t
		return t
	}

	for _, d := range docs {
		dir := ""
		if d.SourcePath != "" {
			if dir = path.Dir(d.SourcePath); dir == "." {
				dir = ""
			}
		}
		branch(dir).AddMetaNode(d.ID, documentLabel(d))
	}
	return tree
}

func documentLabel(d kb.DocumentInfo) string {
	name := d.SourceFile
	if name == "" {
		name = "(no source file)"
	}
	parts := []string{fmt.Sprintf("%d chunks", d.Chunks)}
	if d.Type != "" && d.Type != "text" {
		parts = append(parts, d.Type)
	}
	if d.Author != "" {
		parts = append(parts, "by "+d.Author)
	}
	if d.ExpirationDate != "" {
		parts = append(parts, "expires "+d.ExpirationDate)
	}
	if !d.Indexed {
		parts = append(parts, ui.Warning.Render("not indexed"))
	}
	return name + " " + ui.Dim.Render("("+strings.Join(parts, ", ")+")")
}

func runShow(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	info, chunks, ok := a.kb.Document(args[0])
	if !ok {
		return fmt.Errorf("document not found: %s", args[0])
	}
	files, err := a.kb.Files(info.ID)
	if err != nil {
		return err
	}

	fmt.Println(ui.Header.Render(info.ID))
	fmt.Printf("  %s %s\n", ui.Dim.Render("Source:"), documentLabel(info))
	if info.SourcePath != "" {
		fmt.Printf("  %s %s\n", ui.Dim.Render("Path:  "), info.SourcePath)
	}
	if len(info.Tags) > 0 {
		fmt.Printf("  %s %s\n", ui.Dim.Render("Tags:  "), strings.Join(info.Tags, ", "))
	}
	fmt.Printf("  %s %s\n", ui.Dim.Render("Files: "), strings.Join(files, ", "))
	fmt.Println()

	return printJSONHighlighted(chunks)
}

// printJSONHighlighted writes chunks as indented JSON colored by chroma,
// falling back to plain JSON.
func printJSONHighlighted(chunks []store.Chunk) error {
	data, err := json.MarshalIndent(chunks, "", "  ")
	if err != nil {
		return err
	}

	lexer := lexers.Get("json")
	style := styles.Get("dracula")
	formatter := formatters.Get("terminal256")
	if lexer == nil || style == nil || formatter == nil {
		_, err := os.Stdout.Write(append(data, '\n'))
		return err
	}

	iterator, err := lexer.Tokenise(nil, string(data))
	if err != nil {
		_, err := os.Stdout.Write(append(data, '\n'))
		return err
	}
	var buf bytes.Buffer
	if err := formatter.Format(&buf, style, iterator); err != nil {
		_, err := os.Stdout.Write(append(data, '\n'))
		return err
	}
	fmt.Println(buf.String())
	return nil
}
