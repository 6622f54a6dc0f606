package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/daviddao/tagged/pkg/backend"
)

func newImagesCmd(get func() *app) *cobra.Command {
	var (
		limit int
		next  string
	)
	cmd := &cobra.Command{
		Use:   "images",
		Short: "List gallery images",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			page, err := a.client.Images(cmd.Context(), limit, next)
			if err != nil {
				return fmt.Errorf("images: %w", err)
			}
			if a.jsonOut {
				a.printJSON(page)
				return nil
			}
			printImages(a, page.Images)
			if page.NextID != "" {
				fmt.Fprintf(a.out, "next: --next %s\n", page.NextID)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "page size")
	cmd.Flags().StringVar(&next, "next", "", "cursor from a previous page")
	return cmd
}

func newSearchCmd(get func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "search <query>...",
		Short: "Search images and items",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			res, err := a.client.Search(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}
			if a.jsonOut {
				a.printJSON(res)
				return nil
			}
			printImages(a, res.Images)
			for _, it := range res.Items {
				fmt.Fprintf(a.out, "item  %-24s %s %s\n", it.DocID, it.Brand, it.Name)
			}
			if len(res.Images) == 0 && len(res.Items) == 0 {
				fmt.Fprintln(a.out, "no results")
			}
			return nil
		},
	}
}

func newFeedCmd(get func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "feed <path>",
		Short: "Show a feed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			feed, err := a.client.Feed(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("feed: %w", err)
			}
			if a.jsonOut {
				a.printJSON(feed)
				return nil
			}
			for _, d := range feed.Items {
				printDocument(a, d, "")
			}
			return nil
		},
	}
}

func newContentCmd(get func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "content <path>",
		Short: "Show a content document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			doc, err := a.client.Content(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("content: %w", err)
			}
			if a.jsonOut {
				a.printJSON(doc)
				return nil
			}
			printDocument(a, *doc, "")
			if doc.Description != "" {
				fmt.Fprintf(a.out, "\n%s\n", doc.Description)
			}
			return nil
		},
	}
}

func printImages(a *app, images []backend.Image) {
	for _, img := range images {
		fmt.Fprintf(a.out, "image %-24s likes=%-5d items=%-3d %s\n", img.DocID, img.LikeCount, len(img.Items), img.URL)
	}
}

func printDocument(a *app, d backend.Document, indent string) {
	fmt.Fprintf(a.out, "%s%-8s %-24s likes=%-5d %s\n", indent, d.DocType, d.DocID, d.LikeCount, d.Title)
	for _, c := range d.Children {
		printDocument(a, c, indent+"  ")
	}
}
