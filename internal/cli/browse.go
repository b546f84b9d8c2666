package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/cobra"

	"animehome/internal/config"
)

func newCharactersCmd(load func() *config.Config) *cobra.Command {
	var skip, limit int
	cmd := &cobra.Command{
		Use:   "characters",
		Short: "List characters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCharacters(cmd.Context(), load(), skip, limit, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVar(&skip, "skip", 0, "Number of characters to skip")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum number of characters to list")
	return cmd
}

func runCharacters(ctx context.Context, cfg *config.Config, skip, limit int, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	characters, err := newRemote(cfg).ListCharacters(ctx, skip, limit)
	if err != nil {
		return err
	}
	if len(characters) == 0 {
		fmt.Fprintln(out, dimStyle.Render("no characters yet"))
		return nil
	}
	for _, c := range characters {
		line := fmt.Sprintf("%s %s", dimStyle.Render(fmt.Sprintf("%4d", c.ID)), assistantStyle.Render(c.Name))
		if len(c.Tags) > 0 {
			line += " " + dimStyle.Render("#"+strings.Join(c.Tags, " #"))
		}
		fmt.Fprintln(out, line)
		if c.Description != "" {
			fmt.Fprintf(out, "     %s\n", c.Description)
		}
	}
	return nil
}

func newAvatarCmd(load func() *config.Config) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "avatar <character-id>",
		Short: "Download a character's avatar",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseCharacterID(args[0])
			if err != nil {
				return err
			}
			path, err := runAvatar(cmd.Context(), load(), id, output)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default avatar-<id> plus the image extension)")
	return cmd
}

// runAvatar saves the avatar of characterID and returns the written path.
func runAvatar(ctx context.Context, cfg *config.Config, characterID int64, output string) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	client := newRemote(cfg)
	character, err := client.GetCharacter(ctx, characterID)
	if err != nil {
		return "", err
	}
	if character.Avatar == "" {
		return "", fmt.Errorf("character %d has no avatar", characterID)
	}
	data, contentType, err := client.FetchAvatar(ctx, character.Avatar)
	if err != nil {
		return "", err
	}
	if output == "" {
		ext := ""
		if mt := mimetype.Lookup(strings.TrimSpace(strings.Split(contentType, ";")[0])); mt != nil {
			ext = mt.Extension()
		}
		output = fmt.Sprintf("avatar-%d%s", characterID, ext)
	}
	if err := os.WriteFile(output, data, 0o644); err != nil {
		return "", fmt.Errorf("write avatar: %w", err)
	}
	return output, nil
}
