package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ShayCichocki/orcha/internal/template"
)

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "List task graph templates",
	Long: `List builtin templates and those found under templates.dir. A template
in templates.dir with a builtin's name replaces the builtin.`,
	Args: cobra.NoArgs,
	RunE: runTemplates,
}

var templatesShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Print a template as YAML",
	Args:  cobra.ExactArgs(1),
	RunE:  runTemplatesShow,
}

func init() {
	templatesCmd.AddCommand(templatesShowCmd)
}

// loadTemplates builds the registry without opening storage.
func loadTemplates() (*template.Registry, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return template.NewRegistry(cfg.Templates.Dir)
}

func runTemplates(cmd *cobra.Command, args []string) error {
	reg, err := loadTemplates()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, t := range reg.All() {
		nodes := 0
		for _, g := range t.Graphs {
			nodes += len(g.Nodes)
		}
		fmt.Fprintf(out, "%-26s %-36s %2d nodes  %s\n", t.Name, t.Title, nodes, t.Source)
	}
	return nil
}

func runTemplatesShow(cmd *cobra.Command, args []string) error {
	reg, err := loadTemplates()
	if err != nil {
		return err
	}
	t, err := reg.Get(args[0])
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(t)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), string(data))
	return nil
}
