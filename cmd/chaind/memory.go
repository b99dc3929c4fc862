package main

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/chaind/internal/config"
	"github.com/fyrsmithlabs/chaind/internal/memory"
)

var (
	// memoryPath overrides the store path from the config file
	memoryPath string
	// memoryJSON switches the output to JSON
	memoryJSON bool
)

// Lipgloss styles for the memory table
var (
	// Header style - bold bright cyan
	memHeaderStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	// Cell style - bright white
	memCellStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Padding(0, 1)

	// Border style - dim gray
	memBorderStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("238"))
)

// memoryCmd inspects the effectiveness memory store
var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Show effectiveness memory records",
	Long: `Show the (agent, pattern) effectiveness records from the memory store.

Examples:
  # Show records from the configured store
  chaind --config chaind.yaml memory

  # Show records from an explicit store file as JSON
  chaind memory --path memory.json --json`,
	RunE: runMemory,
}

func init() {
	memoryCmd.Flags().StringVar(&memoryPath, "path", "", "memory store file (overrides config)")
	memoryCmd.Flags().BoolVar(&memoryJSON, "json", false, "output records as JSON")
}

// runMemory handles the memory command
func runMemory(cmd *cobra.Command, args []string) error {
	path := memoryPath
	if path == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		path = cfg.Memory.Path
	}
	if path == "" {
		return fmt.Errorf("no memory store configured; set memory.path or pass --path")
	}

	fs, err := memory.NewFileStore(path)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() { _ = fs.Close() }()

	recs, err := fs.Load(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to load records: %w", err)
	}

	if memoryJSON {
		out, err := json.MarshalIndent(recs, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode records: %w", err)
		}
		fmt.Println(string(out))
		return nil
	}

	fmt.Println(renderRecords(recs))
	return nil
}

// renderRecords renders records as a bordered table sorted by key.
func renderRecords(recs []memory.Record) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(memBorderStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return memHeaderStyle
			}
			return memCellStyle
		}).
		Headers("AGENT", "PATTERN", "EFFECTIVENESS", "SAMPLES", "UPDATED")

	for _, rec := range sortRecords(recs) {
		t.Row(
			rec.AgentID,
			rec.PatternID,
			fmt.Sprintf("%.4f", rec.Effectiveness),
			fmt.Sprintf("%d", rec.Samples),
			rec.UpdatedAt.Format("2006-01-02 15:04:05"),
		)
	}
	return t.Render()
}

func sortRecords(recs []memory.Record) []memory.Record {
	out := make([]memory.Record, len(recs))
	copy(out, recs)
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}
