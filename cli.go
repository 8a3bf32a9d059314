package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"library-web/library"
)

// withManager runs fn against a manager opened from the loaded config.
func withManager(fn func(cmd *cobra.Command, mgr *library.LibraryManager, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		mgr, err := openManager(cfg, log, nil)
		if err != nil {
			return err
		}
		defer mgr.Close()
		return fn(cmd, mgr, args)
	}
}

func memberCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "member", Short: "Manage members"}

	var email string
	add := &cobra.Command{
		Use:   "add <username>",
		Short: "Register a member",
		Args:  cobra.ExactArgs(1),
		RunE: withManager(func(cmd *cobra.Command, mgr *library.LibraryManager, args []string) error {
			password, err := promptNewPassword()
			if err != nil {
				return err
			}
			m, err := mgr.SignUp(cmd.Context(), args[0], email, password)
			if err != nil {
				return err
			}
			fmt.Printf("Member %s registered with membership number %s\n", m.Username, m.LibNum)
			return nil
		}),
	}
	add.Flags().StringVar(&email, "email", "", "contact email")

	list := &cobra.Command{
		Use:   "list",
		Short: "List all members",
		Args:  cobra.NoArgs,
		RunE: withManager(func(cmd *cobra.Command, mgr *library.LibraryManager, _ []string) error {
			members, err := mgr.GetAllMembers(cmd.Context())
			if err != nil {
				return err
			}
			if len(members) == 0 {
				fmt.Println("No members found.")
				return nil
			}
			fmt.Printf("%-5s %-12s %-20s %-30s %-8s %s\n", "ID", "Number", "Username", "Email", "Active", "Genre")
			fmt.Println(strings.Repeat("-", 90))
			for _, m := range members {
				fmt.Printf("%-5d %-12s %-20s %-30s %-8t %s\n",
					m.ID, m.LibNum, truncateString(m.Username, 20), truncateString(m.Email, 30), m.IsActive(), m.FavGenre)
			}
			return nil
		}),
	}

	reset := &cobra.Command{
		Use:   "reset-password <username> <lib-num>",
		Short: "Set a new password for a member",
		Args:  cobra.ExactArgs(2),
		RunE: withManager(func(cmd *cobra.Command, mgr *library.LibraryManager, args []string) error {
			password, err := promptNewPassword()
			if err != nil {
				return err
			}
			if err := mgr.ResetPassword(cmd.Context(), args[0], args[1], password); err != nil {
				return err
			}
			fmt.Printf("Password updated for %s.\n", args[0])
			return nil
		}),
	}

	cmd.AddCommand(add, list, reset)
	return cmd
}

func catalogCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "catalog", Short: "Manage the catalog"}

	var genre string
	var copies int
	add := &cobra.Command{
		Use:   "add <isbn> <title> <author>",
		Short: "Add a title with its copies",
		Args:  cobra.ExactArgs(3),
		RunE: withManager(func(cmd *cobra.Command, mgr *library.LibraryManager, args []string) error {
			t, err := mgr.AddTitle(cmd.Context(), args[0], args[1], args[2], genre, copies)
			if err != nil {
				return err
			}
			fmt.Printf("Added %q (ISBN %s) with %d copies.\n", t.Title, t.ISBN, copies)
			return nil
		}),
	}
	add.Flags().StringVar(&genre, "genre", "", "genre of the title")
	add.Flags().IntVar(&copies, "copies", 1, "number of copies owned")

	stock := &cobra.Command{
		Use:   "stock <isbn> <total> <available>",
		Short: "Set the copy counters of a title",
		Args:  cobra.ExactArgs(3),
		RunE: withManager(func(cmd *cobra.Command, mgr *library.LibraryManager, args []string) error {
			total, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid total %q", args[1])
			}
			available, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("invalid available %q", args[2])
			}
			if err := mgr.SetStock(cmd.Context(), args[0], total, available); err != nil {
				return err
			}
			fmt.Printf("Stock for %s set to %d/%d.\n", args[0], available, total)
			return nil
		}),
	}

	search := &cobra.Command{
		Use:   "search <query>",
		Short: "Search titles by title, author, genre or ISBN",
		Args:  cobra.MinimumNArgs(1),
		RunE: withManager(func(cmd *cobra.Command, mgr *library.LibraryManager, args []string) error {
			titles, err := mgr.SearchTitles(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			if len(titles) == 0 {
				fmt.Println("No titles found.")
				return nil
			}
			fmt.Printf("%-15s %-35s %-25s %-10s %s\n", "ISBN", "Title", "Author", "Available", "Rating")
			fmt.Println(strings.Repeat("-", 95))
			for _, t := range titles {
				fmt.Printf("%-15s %-35s %-25s %-10s %.1f\n",
					t.ISBN, truncateString(t.Title.Title, 35), truncateString(t.Author, 25),
					fmt.Sprintf("%d/%d", t.Available, t.Total), t.AvgRating)
			}
			return nil
		}),
	}

	cmd.AddCommand(add, stock, search)
	return cmd
}
