package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat <user_id> <message>",
	Short: "Send one chat message and print the reply",
	Long: `Send one chat message through the running server and print the reply.

Examples:
  calorisense chat alice@example.com "I now weigh 82 kg"
  calorisense chat alice@example.com "what did I eat today?"`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID := args[0]
		message := strings.Join(args[1:], " ")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/chat/answer?user_id=%s&message=%s",
			url.QueryEscape(userID), url.QueryEscape(message))
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var result struct {
			Reply       string `json:"reply"`
			Intent      string `json:"intent"`
			InfoUpdated bool   `json:"info_updated"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		fmt.Println(result.Reply)
		if result.InfoUpdated {
			printSuccess("Profile updated (%s)", result.Intent)
		}
		return nil
	},
}

// --- profile ---

var profileCmd = &cobra.Command{
	Use:   "profile <user_id>",
	Short: "Show a user's health profile as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/profile/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}

		var profile any
		if err := decodeJSON(resp, &profile); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(profile)
	},
}
