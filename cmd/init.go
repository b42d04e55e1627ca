package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nextlevelbuilder/maestro/internal/bootstrap"
	"github.com/nextlevelbuilder/maestro/internal/config"
)

var idRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a new project with an interactive wizard",
		Run: func(cmd *cobra.Command, args []string) {
			if err := runInit(); err != nil {
				fmt.Fprintln(os.Stderr, "init failed:", err)
				os.Exit(1)
			}
		},
	}
}

func runInit() error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	var (
		projectID string
		agentsCSV string
		provider  = cfg.Agents.Provider
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Project id").
				Description("Lowercase letters, digits, - and _. Becomes the directory name.").
				Validate(func(s string) error {
					if !idRe.MatchString(s) {
						return fmt.Errorf("invalid id %q", s)
					}
					return nil
				}).
				Value(&projectID),
			huh.NewInput().
				Title("Agent ids").
				Description("Comma-separated, e.g. \"researcher, writer\". First one is the team lead.").
				Placeholder("assistant").
				Value(&agentsCSV),
			huh.NewSelect[string]().
				Title("Default provider").
				Options(
					huh.NewOption("Anthropic", "anthropic"),
					huh.NewOption("OpenAI", "openai"),
					huh.NewOption("Gemini", "gemini"),
					huh.NewOption("Ollama", "ollama"),
				).
				Value(&provider),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	agentIDs := splitIDs(agentsCSV)
	if len(agentIDs) == 0 {
		agentIDs = []string{"assistant"}
	}
	for _, id := range agentIDs {
		if !idRe.MatchString(id) {
			return fmt.Errorf("invalid agent id %q", id)
		}
	}

	dir := filepath.Join(cfg.ProjectsDir(), projectID)
	if _, err := os.Stat(filepath.Join(dir, config.ProjectFileName)); err == nil {
		return fmt.Errorf("project %q already exists at %s", projectID, dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	project := &config.ProjectConfig{ID: projectID, Dir: dir}
	for _, id := range agentIDs {
		project.Agents = append(project.Agents, config.AgentConfig{
			ID: id,
			AI: config.AISpec{Provider: provider},
		})
	}

	data, err := yaml.Marshal(project)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, config.ProjectFileName), data, 0o644); err != nil {
		return err
	}

	if _, err := bootstrap.Seed(project); err != nil {
		return fmt.Errorf("seed project files: %w", err)
	}

	// First run: persist the defaults so there is a config file to edit.
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.Save(cfg, cfgPath); err != nil {
			return err
		}
		fmt.Println("wrote", cfgPath)
	}

	fmt.Printf("project %q created at %s\n", projectID, dir)
	fmt.Println("edit the role sheets under roles/ and start with: maestro serve")
	return nil
}

func splitIDs(csv string) []string {
	var out []string
	for _, part := range strings.Split(csv, ",") {
		if id := strings.TrimSpace(part); id != "" {
			out = append(out, id)
		}
	}
	return out
}
