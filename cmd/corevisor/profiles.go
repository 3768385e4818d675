package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nupi-ai/corevisor/internal/config"
	"github.com/nupi-ai/corevisor/internal/config/store"
)

func newProfilesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "Manage profile items and enhancement chains",
	}

	add := &cobra.Command{
		Use:   "add <file>",
		Short: "Import a profile, merge or script file",
		Args:  cobra.ExactArgs(1),
		RunE:  runProfilesAdd,
	}
	add.Flags().String("type", string(store.ItemLocal), "Item type: local, remote, merge or script")
	add.Flags().String("name", "", "Display name (default file name)")
	add.Flags().String("desc", "", "Description")
	add.Flags().String("url", "", "Subscription URL recorded for remote items")
	add.Flags().Bool("use", false, "Select the item as the current profile")

	cmd.AddCommand(
		add,
		&cobra.Command{
			Use:   "list",
			Short: "List profile items",
			Args:  cobra.NoArgs,
			RunE:  runProfilesList,
		},
		&cobra.Command{
			Use:   "use <uid>",
			Short: "Select the current profile",
			Args:  cobra.ExactArgs(1),
			RunE:  runProfilesUse,
		},
		&cobra.Command{
			Use:   "chain <profile-uid> [item-uid...]",
			Short: "Show or replace the enhancement chain of a profile",
			Args:  cobra.MinimumNArgs(1),
			RunE:  runProfilesChain,
		},
		&cobra.Command{
			Use:   "rm <uid>",
			Short: "Remove a profile item and its file",
			Args:  cobra.ExactArgs(1),
			RunE:  runProfilesRemove,
		},
	)
	return cmd
}

// openStore opens the profile store under --home. The running daemon polls
// the same database and reloads on change.
func openStore(cmd *cobra.Command) (*store.Store, config.Paths, error) {
	home, _ := cmd.Flags().GetString("home")
	paths, err := config.EnsureDirs(home)
	if err != nil {
		return nil, config.Paths{}, fmt.Errorf("failed to prepare data directory: %w", err)
	}
	st, err := store.Open(store.Options{Path: paths.ProfilesDB})
	if err != nil {
		return nil, config.Paths{}, fmt.Errorf("failed to open profile store: %w", err)
	}
	return st, paths, nil
}

func runProfilesAdd(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)
	ctx := cmd.Context()

	rawType, _ := cmd.Flags().GetString("type")
	itemType := store.ItemType(strings.ToLower(strings.TrimSpace(rawType)))
	if !itemType.Valid() {
		return fmt.Errorf("invalid item type %q", rawType)
	}
	use, _ := cmd.Flags().GetBool("use")
	if use && !itemType.IsProfile() {
		return fmt.Errorf("--use requires a local or remote item, got %s", itemType)
	}
	url, _ := cmd.Flags().GetString("url")
	if itemType == store.ItemRemote && strings.TrimSpace(url) == "" {
		return errors.New("remote items require --url")
	}

	src := config.ExpandPath(args[0])
	ext := strings.ToLower(filepath.Ext(src))
	if err := checkItemExtension(itemType, ext); err != nil {
		return err
	}

	st, paths, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	uid := store.NewUID(itemType)
	file := uid + ext
	if err := copyFile(src, filepath.Join(paths.ProfilesDir, file)); err != nil {
		return fmt.Errorf("failed to import %s: %w", src, err)
	}

	name, _ := cmd.Flags().GetString("name")
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
	}
	desc, _ := cmd.Flags().GetString("desc")

	item, err := st.AddItem(ctx, store.Item{
		UID:         uid,
		Type:        itemType,
		Name:        name,
		File:        file,
		Description: desc,
		URL:         url,
	})
	if err != nil {
		_ = os.Remove(filepath.Join(paths.ProfilesDir, file))
		return err
	}
	if use {
		if err := st.SetCurrent(ctx, item.UID); err != nil {
			return err
		}
	}
	return out.Success(fmt.Sprintf("Added %s %s (%s)", item.Type, item.UID, item.Name), map[string]any{
		"uid":  item.UID,
		"type": item.Type,
		"name": item.Name,
		"file": item.File,
	})
}

func checkItemExtension(t store.ItemType, ext string) error {
	switch t {
	case store.ItemScript:
		if ext != ".js" {
			return fmt.Errorf("script items must be .js files, got %q", ext)
		}
	default:
		if ext != ".yaml" && ext != ".yml" {
			return fmt.Errorf("%s items must be .yaml files, got %q", t, ext)
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

type itemView struct {
	UID     string         `json:"uid"`
	Type    store.ItemType `json:"type"`
	Name    string         `json:"name"`
	File    string         `json:"file"`
	URL     string         `json:"url,omitempty"`
	Current bool           `json:"current"`
}

func runProfilesList(cmd *cobra.Command, _ []string) error {
	out := newOutputFormatter(cmd)
	ctx := cmd.Context()

	st, _, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	items, err := st.Items(ctx)
	if err != nil {
		return err
	}
	var currentUID string
	if current, err := st.Current(ctx); err == nil {
		currentUID = current.UID
	} else if !store.IsNotFound(err) {
		return err
	}

	views := make([]itemView, 0, len(items))
	for _, item := range items {
		views = append(views, itemView{
			UID:     item.UID,
			Type:    item.Type,
			Name:    item.Name,
			File:    item.File,
			URL:     item.URL,
			Current: item.UID == currentUID,
		})
	}
	if out.jsonMode {
		return out.Print(views)
	}
	if len(views) == 0 {
		fmt.Fprintln(out.w, "No profile items")
		return nil
	}

	tw := tabwriter.NewWriter(out.w, 0, 2, 2, ' ', 0)
	fmt.Fprintln(tw, "\tUID\tTYPE\tNAME\tFILE")
	for _, v := range views {
		marker := ""
		if v.Current {
			marker = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", marker, v.UID, v.Type, v.Name, v.File)
	}
	return tw.Flush()
}

func runProfilesUse(cmd *cobra.Command, args []string) error {
	st, _, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.SetCurrent(cmd.Context(), args[0]); err != nil {
		return err
	}
	return newOutputFormatter(cmd).Success("Current profile: "+args[0], map[string]any{"uid": args[0]})
}

func runProfilesChain(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)
	ctx := cmd.Context()

	st, _, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	profileUID := args[0]
	if len(args) > 1 {
		if err := st.SetChain(ctx, profileUID, args[1:]); err != nil {
			return err
		}
	}

	chain, err := st.Chain(ctx, profileUID)
	if err != nil {
		return err
	}
	uids := make([]string, 0, len(chain))
	for _, item := range chain {
		uids = append(uids, item.UID)
	}
	if out.jsonMode {
		return out.Print(map[string]any{"profile": profileUID, "chain": uids})
	}
	if len(chain) == 0 {
		fmt.Fprintf(out.w, "%s has no enhancements\n", profileUID)
		return nil
	}
	for i, item := range chain {
		fmt.Fprintf(out.w, "%d. %s %s (%s)\n", i+1, item.UID, item.Type, item.Name)
	}
	return nil
}

func runProfilesRemove(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	st, paths, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	item, err := st.Item(ctx, args[0])
	if err != nil {
		return err
	}
	if err := st.DeleteItem(ctx, item.UID); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(paths.ProfilesDir, item.File)); err != nil && !errors.Is(err, os.ErrNotExist) {
		warnf("failed to remove %s: %v", item.File, err)
	}
	return newOutputFormatter(cmd).Success("Removed "+item.UID, map[string]any{"uid": item.UID})
}
