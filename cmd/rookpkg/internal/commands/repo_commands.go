package commands

import (
	"fmt"

	"github.com/rookery-os/rookpkg/internal/infrastructure/repository"
	"github.com/rookery-os/rookpkg/internal/infrastructure/signing"
	"github.com/spf13/cobra"
)

// RepoCommandHandler holds the repository publishing commands.
type RepoCommandHandler struct{}

// NewRepoCommandHandler creates a new RepoCommandHandler.
func NewRepoCommandHandler() *RepoCommandHandler {
	return &RepoCommandHandler{}
}

func (h *RepoCommandHandler) publisher(app *appContext) (*repository.Publisher, *signing.SigningKey, error) {
	key, err := signing.LoadSigningKey(app.cfg.Signing.UserSigningKey)
	if err != nil {
		return nil, nil, fmt.Errorf("a signing key is required to manage a repository: %w", err)
	}
	return repository.NewPublisher(key, app.logger), key, nil
}

// RepoInitCmd creates a new repository layout.
func (h *RepoCommandHandler) RepoInitCmd(cmd *cobra.Command, args []string) error {
	app, err := newAppContext(cmd)
	if err != nil {
		return err
	}

	name, _ := cmd.Flags().GetString("name")
	description, _ := cmd.Flags().GetString("description")
	path := args[0]

	app.println("Initializing repository...")
	app.printf("  Path: %s\n", path)
	app.printf("  Name: %s\n", name)

	publisher, _, err := h.publisher(app)
	if err != nil {
		return err
	}
	if err := publisher.Init(path, name, description); err != nil {
		return err
	}

	app.println("\nRepository initialized!\n")
	app.println("Structure:")
	app.printf("  %s/\n", path)
	app.println("    repo.toml           Repository metadata")
	app.println("    packages.json       Package index")
	app.println("    packages.json.sig   Index signature")
	app.println("    packages/           Package files")
	app.println("\nTo add packages:")
	app.printf("  rookpkg build <spec.rook> --output %s/packages --index\n", path)
	app.println("\nTo host the repository:")
	app.println("  Serve this directory with rookpkg-repod or any static file server.")
	return nil
}

// RepoRefreshCmd rescans package files and rebuilds the signed index.
func (h *RepoCommandHandler) RepoRefreshCmd(cmd *cobra.Command, args []string) error {
	app, err := newAppContext(cmd)
	if err != nil {
		return err
	}

	path := "."
	if len(args) == 1 {
		path = args[0]
	}

	app.println("Refreshing repository index...")
	app.printf("  Path: %s\n", path)

	publisher, _, err := h.publisher(app)
	if err != nil {
		return err
	}

	index, err := publisher.Refresh(path)
	if err != nil {
		return err
	}

	app.println("")
	for i := range index.Packages {
		app.printf("  -> %s %s\n", index.Packages[i].Name, index.Packages[i].FullVersion())
	}
	if len(index.Groups) > 0 {
		app.println("")
		for i := range index.Groups {
			app.printf("  -> @%s (%d packages)\n", index.Groups[i].Name, len(index.Groups[i].Packages))
		}
	}
	if index.DeltaIndex != nil {
		total := 0
		for _, pkg := range index.DeltaIndex.Packages {
			total += len(pkg.Deltas)
		}
		app.printf("\n  v %d package(s) with %d delta(s) available\n",
			len(index.DeltaIndex.Packages), total)
	}

	app.printf("\nv Repository refreshed: %d packages indexed\n", index.Count)
	return nil
}

// RepoSignCmd re-signs the repository index.
func (h *RepoCommandHandler) RepoSignCmd(cmd *cobra.Command, args []string) error {
	app, err := newAppContext(cmd)
	if err != nil {
		return err
	}

	path := "."
	if len(args) == 1 {
		path = args[0]
	}

	app.println("Signing repository index...")

	publisher, key, err := h.publisher(app)
	if err != nil {
		return err
	}
	if err := publisher.Sign(path); err != nil {
		return err
	}

	app.printf("v Signed: %s/packages.json -> %s/packages.json.sig\n", path, path)
	app.printf("  Signed by: %s <%s>\n", key.Identity.Name, key.Identity.Email)
	app.printf("  Fingerprint: %s\n", key.Fingerprint)
	return nil
}

// InitRepoCommands registers the repo command group with the root
// command.
func InitRepoCommands(rootCmd *cobra.Command) error {
	handler := NewRepoCommandHandler()

	repoCmd := &cobra.Command{
		Use:   "repo",
		Short: "Create and maintain package repositories",
	}

	initCmd := &cobra.Command{
		Use:   "init <path>",
		Short: "Initialize a new repository",
		Args:  cobra.ExactArgs(1),
		RunE:  handler.RepoInitCmd,
	}
	initCmd.Flags().String("name", "", "Repository name")
	initCmd.Flags().String("description", "", "Repository description")
	_ = initCmd.MarkFlagRequired("name")
	repoCmd.AddCommand(initCmd)

	refreshCmd := &cobra.Command{
		Use:   "refresh [path]",
		Short: "Rebuild the package index from package files",
		Args:  cobra.MaximumNArgs(1),
		RunE:  handler.RepoRefreshCmd,
	}
	repoCmd.AddCommand(refreshCmd)

	signCmd := &cobra.Command{
		Use:   "sign [path]",
		Short: "Sign the repository index",
		Args:  cobra.MaximumNArgs(1),
		RunE:  handler.RepoSignCmd,
	}
	repoCmd.AddCommand(signCmd)

	rootCmd.AddCommand(repoCmd)
	return nil
}
