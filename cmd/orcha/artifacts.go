package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/orcha/internal/artifact"
	"github.com/ShayCichocki/orcha/pkg/models"
)

var artifactKinds = []models.ArtifactKind{
	models.ArtifactRule,
	models.ArtifactFeature,
	models.ArtifactContact,
	models.ArtifactVariant,
	models.ArtifactOther,
}

var artifactsKind string

var artifactsCmd = &cobra.Command{
	Use:   "artifacts",
	Short: "List approved artifacts",
	Long: `List artifacts created by approved nodes, oldest first, grouped by
kind: rule, feature, contact, variant, or other.`,
	Args: cobra.NoArgs,
	RunE: runArtifacts,
}

var artifactsShowCmd = &cobra.Command{
	Use:   "show <artifact-id>",
	Short: "Print an artifact as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runArtifactsShow,
}

func init() {
	artifactsCmd.Flags().StringVar(&artifactsKind, "kind", "", "Only list this kind")
	artifactsCmd.AddCommand(artifactsShowCmd)
}

func runArtifacts(cmd *cobra.Command, args []string) error {
	kinds := artifactKinds
	if artifactsKind != "" {
		k := models.ArtifactKind(artifactsKind)
		if !k.Valid() {
			return fmt.Errorf("unknown artifact kind %q", artifactsKind)
		}
		kinds = []models.ArtifactKind{k}
	}

	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	total := 0
	for _, k := range kinds {
		list, err := artifact.Collect(a.svc.Artifacts().ListByKind(ctx, k))
		if err != nil {
			return fmt.Errorf("list %s artifacts: %w", k, err)
		}
		if len(list) == 0 {
			continue
		}
		fmt.Fprintf(out, "%s (%d):\n", k, len(list))
		for _, art := range list {
			fmt.Fprintf(out, "  %s  %s/%s/%s  %s\n", art.ID, art.SessionID, art.GraphID, art.SourceNodeID,
				art.CreatedAt.Local().Format("2006-01-02 15:04"))
		}
		total += len(list)
	}
	if total == 0 {
		fmt.Fprintln(out, "No artifacts.")
	}
	return nil
}

func runArtifactsShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	art, err := a.svc.Artifacts().Get(ctx, args[0])
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(art, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
