package cmd

import (
	"fmt"
	"github.com/arcward/unityhelper/unityhelper"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
	"strings"
)

var issuesFile string

var issuesCmd = &cobra.Command{
	Use:   "issues [error text]",
	Short: "Lists the known Unity issues used by /debug",
	Long: "Lists the known issue table, or, given error text, the issue " +
		"/debug would match for it. Uses the configured known issues " +
		"file if set, otherwise the built-in table.",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := issuesFile
		if path == "" {
			path = cfg.KnownIssuesFile
		}
		var (
			issues *unityhelper.KnownIssues
			err    error
		)
		if path == "" {
			issues, err = unityhelper.LoadKnownIssues()
		} else {
			issues, err = unityhelper.LoadKnownIssuesFile(path)
		}
		if err != nil {
			return err
		}

		found := issues.All()
		if len(args) > 0 {
			issue, ok := issues.Lookup(strings.Join(args, " "))
			if !ok {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no known issue matched")
				return nil
			}
			found = []unityhelper.KnownIssue{issue}
		}
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), renderIssues(found))
		return nil
	},
}

func renderIssues(issues []unityhelper.KnownIssue) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"ID", "Title", "Patterns", "Docs"})
	t.SetColumnConfigs(
		[]table.ColumnConfig{
			{Name: "Patterns", WidthMax: 48, WidthMaxEnforcer: text.WrapSoft},
		},
	)
	for _, issue := range issues {
		t.AppendRow(
			table.Row{
				issue.ID,
				issue.Title,
				strings.Join(issue.Patterns, "\n"),
				issue.Docs,
			},
		)
	}
	t.AppendFooter(table.Row{"", "Total", len(issues), ""})
	return t.Render()
}

//nolint:gochecknoinits
func init() {
	issuesCmd.Flags().StringVar(
		&issuesFile,
		"file",
		"",
		"Known issues YAML file (overrides the configured file)",
	)
	rootCmd.AddCommand(issuesCmd)
}
