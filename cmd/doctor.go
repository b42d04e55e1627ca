package cmd

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/maestro/internal/config"
	"github.com/nextlevelbuilder/maestro/internal/identity"
	"github.com/nextlevelbuilder/maestro/internal/store/sqlite"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, credentials and connectivity",
		Run: func(cmd *cobra.Command, args []string) {
			if !runDoctor() {
				os.Exit(1)
			}
		},
	}
}

// runDoctor walks the checks and prints one line per result. Returns false
// when any check fails hard.
func runDoctor() bool {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		fmt.Printf("✗ config: %v\n", err)
		return false
	}
	fmt.Printf("✓ config: %s\n", resolveConfigPath())

	healthy := true
	fail := func(label string, err error) {
		fmt.Printf("✗ %s: %v\n", label, err)
		healthy = false
	}
	warn := func(label, msg string) {
		fmt.Printf("! %s: %s\n", label, msg)
	}
	ok := func(label, msg string) {
		fmt.Printf("✓ %s: %s\n", label, msg)
	}

	// Providers
	if cfg.HasAnyProvider() {
		var names []string
		p := cfg.Providers
		if p.Anthropic.APIKey != "" {
			names = append(names, "anthropic")
		}
		if p.OpenAI.APIKey != "" {
			names = append(names, "openai")
		}
		if p.Gemini.APIKey != "" {
			names = append(names, "gemini")
		}
		if p.Ollama.APIBase != "" {
			names = append(names, "ollama")
		}
		ok("providers", strings.Join(names, ", "))
	} else {
		fail("providers", fmt.Errorf("none configured (set ANTHROPIC_API_KEY or another provider)"))
	}

	// Owners
	owners := identity.FromEnv()
	if owners.Empty() {
		warn("owners", "OWNER_EMAILS / OWNER_NOSTR_PUBKEYS unset; all channel messages will be rejected")
	} else {
		ok("owners", "configured")
	}

	// Projects and their stores
	projects, err := config.LoadProjects(cfg.ProjectsDir())
	if err != nil {
		fail("projects", err)
	} else if len(projects) == 0 {
		warn("projects", "none found in "+cfg.ProjectsDir()+" (run `maestro init`)")
	} else {
		ok("projects", fmt.Sprintf("%d loaded", len(projects)))
		for id, p := range projects {
			for _, a := range p.Agents {
				if _, err := os.Stat(p.RolePath(a.ID)); err != nil {
					warn("role "+id+"/"+a.ID, "missing (will be seeded on serve)")
				}
			}
			if cfg.IsPostgres() {
				continue
			}
			s, err := sqlite.Open(p.DBPath())
			if err != nil {
				fail("db "+id, err)
				continue
			}
			s.Close()
			ok("db "+id, p.DBPath())
		}
	}

	// Channel endpoints
	if host, _, err := net.SplitHostPort(cfg.Channels.Gmail.IMAPHost); err == nil {
		if _, err := net.LookupHost(host); err != nil {
			warn("gmail imap", "cannot resolve "+host)
		} else {
			ok("gmail imap", host)
		}
	}
	if u, err := url.Parse(cfg.Channels.Nostr.Relay); err == nil && u.Host != "" {
		if _, err := net.LookupHost(u.Hostname()); err != nil {
			warn("nostr relay", "cannot resolve "+u.Hostname())
		} else {
			ok("nostr relay", u.Host)
		}
	}

	if healthy {
		fmt.Println("all checks passed")
	}
	return healthy
}
