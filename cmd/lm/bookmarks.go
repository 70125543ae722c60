package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/linkmesh/linkmesh/internal/app"
	"github.com/linkmesh/linkmesh/internal/store"
)

var (
	addTitle       string
	addDescription string
	addTags        []string
	addReadLater   bool
	listTag        string
)

// withApp runs fn against an initialized App, giving transports a moment to
// flush local changes before shutdown.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	a, _, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Shutdown()

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	if err := a.Init(ctx); err != nil {
		return err
	}

	if err := fn(ctx, a); err != nil {
		return err
	}

	// Give the op log and relay queue a beat to drain.
	time.Sleep(200 * time.Millisecond)
	return nil
}

var addCmd = &cobra.Command{
	Use:   "add <url>",
	Short: "Add a bookmark",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			b, err := a.Store().Create(store.Bookmark{
				URL:         args[0],
				Title:       addTitle,
				Description: addDescription,
				Tags:        addTags,
				ReadLater:   addReadLater,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Added %s  %s\n", b.ID[:8], b.URL)
			return nil
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List bookmarks, most recently updated first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			var bookmarks []store.Bookmark
			if listTag != "" {
				bookmarks = a.Store().ByTag(listTag)
			} else {
				bookmarks = a.Store().All()
			}

			if len(bookmarks) == 0 {
				fmt.Println("No bookmarks.")
				return nil
			}
			for _, b := range bookmarks {
				marker := " "
				if b.ReadLater {
					marker = "*"
				}
				title := b.Title
				if title == "" {
					title = "(untitled)"
				}
				fmt.Printf("%s %s  %-40s  %s", marker, b.ID[:8], title, b.URL)
				if len(b.Tags) > 0 {
					fmt.Printf("  [%s]", strings.Join(b.Tags, ", "))
				}
				fmt.Println()
			}
			return nil
		})
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm <id>...",
	Short: "Delete bookmarks",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			ids, err := resolveIDs(a.Store(), args)
			if err != nil {
				return err
			}
			if len(ids) == 1 {
				return a.Store().Delete(ids[0])
			}
			return a.Store().BulkDelete(ids)
		})
	},
}

var tagCmd = &cobra.Command{
	Use:   "tag <id> <tag>...",
	Short: "Add tags to a bookmark",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			ids, err := resolveIDs(a.Store(), args[:1])
			if err != nil {
				return err
			}
			return a.Store().BulkAddTags(ids, args[1:])
		})
	},
}

var undoCmd = &cobra.Command{
	Use:   "undo",
	Short: "Revert the most recent local change",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			if !a.Undo() {
				fmt.Println("Nothing to undo.")
				return nil
			}
			fmt.Println("Undone.")
			return nil
		})
	},
}

var redoCmd = &cobra.Command{
	Use:   "redo",
	Short: "Reapply the most recently undone change",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			if !a.Redo() {
				fmt.Println("Nothing to redo.")
				return nil
			}
			fmt.Println("Redone.")
			return nil
		})
	},
}

// resolveIDs expands unique id prefixes to full bookmark ids.
func resolveIDs(s *store.Store, prefixes []string) ([]string, error) {
	all := s.All()
	out := make([]string, 0, len(prefixes))
	for _, prefix := range prefixes {
		var matches []string
		for _, b := range all {
			if b.ID == prefix {
				matches = []string{b.ID}
				break
			}
			if len(prefix) >= 4 && len(b.ID) > len(prefix) && b.ID[:len(prefix)] == prefix {
				matches = append(matches, b.ID)
			}
		}
		switch len(matches) {
		case 0:
			return nil, fmt.Errorf("no bookmark matches %q", prefix)
		case 1:
			out = append(out, matches[0])
		default:
			return nil, fmt.Errorf("%q is ambiguous (%d matches)", prefix, len(matches))
		}
	}
	return out, nil
}

func init() {
	addCmd.Flags().StringVarP(&addTitle, "title", "t", "", "bookmark title")
	addCmd.Flags().StringVarP(&addDescription, "description", "d", "", "bookmark description")
	addCmd.Flags().StringSliceVar(&addTags, "tag", nil, "tags (repeatable)")
	addCmd.Flags().BoolVar(&addReadLater, "read-later", false, "mark read-later")
	listCmd.Flags().StringVar(&listTag, "tag", "", "only bookmarks with this tag")

	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(tagCmd)
	rootCmd.AddCommand(undoCmd)
	rootCmd.AddCommand(redoCmd)
}
