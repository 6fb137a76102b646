package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/user/chatbot/internal/config"
)

func init() {
	rootCmd.AddCommand(setupCmd)
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive setup wizard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		scanner := bufio.NewScanner(os.Stdin)

		fmt.Println("Chatbot Setup Wizard")
		fmt.Println("Press Enter to accept the default value shown in brackets.")
		fmt.Println()

		cfg.BaseURL = strings.TrimRight(prompt(scanner, "Backend base URL", cfg.BaseURL), "/")
		cfg.Token = prompt(scanner, "API token (optional)", cfg.Token)
		cfg.Username = prompt(scanner, "Display name", cfg.Username)
		cfg.Model = prompt(scanner, "Model to request (optional)", cfg.Model)

		cfg.Notify.Telegram.Token = prompt(scanner, "Telegram bot token for notifications (optional)", cfg.Notify.Telegram.Token)
		if cfg.Notify.Telegram.Token != "" {
			def := ""
			if cfg.Notify.Telegram.ChatID != 0 {
				def = strconv.FormatInt(cfg.Notify.Telegram.ChatID, 10)
			}
			if id, err := strconv.ParseInt(prompt(scanner, "Telegram chat id", def), 10, 64); err == nil {
				cfg.Notify.Telegram.ChatID = id
			}
		}

		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}

		fmt.Println()
		fmt.Println("Configuration saved to", cfgPath)

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		me, err := newClient(cfg).Me(ctx)
		if err != nil {
			fmt.Println(color.YellowString("Could not reach the backend:"), err)
			return nil
		}
		fmt.Println(color.GreenString("Signed in as"), me.Username)
		return nil
	},
}

// prompt displays a labeled prompt with a default value and reads user input.
// If the user enters nothing, the default is returned.
func prompt(scanner *bufio.Scanner, label, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", label, defaultVal)
	} else {
		fmt.Printf("%s: ", label)
	}
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return defaultVal
}
