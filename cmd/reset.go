package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/andresmejia3/vigil/internal/utils"
	"github.com/spf13/cobra"
)

var (
	resetTables bool
	resetFiles  bool
	resetOutput string
)

var resetCmd = &cobra.Command{
	Use:         "reset",
	Short:       "Reset system state (event history, stills and clips)",
	Long:        "Clears all data. By default, it resets everything. Use flags to clear specific components.",
	Annotations: map[string]string{dbAnnotation: dbRequired},
	Run: func(cmd *cobra.Command, args []string) {
		// If no flags are set, default to clearing EVERYTHING
		if !resetTables && !resetFiles {
			resetTables = true
			resetFiles = true
		}

		reader := bufio.NewReader(os.Stdin)

		if resetTables {
			if confirm(reader, "⚠️  Are you sure you want to DROP all database tables?") {
				fmt.Println("🗑️  Clearing Database...")
				if err := DB.Reset(cmd.Context()); err != nil {
					utils.Die("Failed to reset database", err, nil)
				}
			}
		}

		if resetFiles {
			dir := resetOutput
			if dir == "" {
				s, err := loadSession()
				if err != nil {
					utils.Die("Failed to load configuration", err, nil)
				}
				dir = s.Output.Dir
			}
			if confirm(reader, fmt.Sprintf("⚠️  Are you sure you want to delete all stills and clips in %s?", dir)) {
				fmt.Println("🗑️  Clearing Output Files (Stills, Clips)...")
				removeDir(dir)
			}
		}

		fmt.Println("✨ System Reset Complete.")
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetTables, "tables", false, "Clear PostgreSQL event history")
	resetCmd.Flags().BoolVar(&resetFiles, "files", false, "Clear generated files (stills, clips)")
	resetCmd.Flags().StringVarP(&resetOutput, "output", "o", "", "Output directory to clear (default: from config)")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func removeDir(path string) {
	if err := os.RemoveAll(path); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}
