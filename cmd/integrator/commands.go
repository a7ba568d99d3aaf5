package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/kalambet/integrator/internal/config"
	"github.com/kalambet/integrator/internal/gateway"
)

// --- request ---

var requestCmd = &cobra.Command{
	Use:   "request <module> <intent>",
	Short: "Send a request through the gateway",
	Long: `Send a request through the gateway.

Examples:
  integrator request finance budget --user u1 --data '{"income":1000,"expenses":[400,250]}'
  integrator request education quiz --user u1 --data '{"topic":"fractions","count":3}'
  integrator request creator generate --user u1 --data '{"topic":"ocean","goal":"calm"}'`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		dataStr, _ := cmd.Flags().GetString("data")

		if userID == "" {
			return fmt.Errorf("--user is required")
		}
		data := map[string]any{}
		if dataStr != "" {
			if err := json.Unmarshal([]byte(dataStr), &data); err != nil {
				return fmt.Errorf("--data must be a JSON object: %w", err)
			}
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/core", gateway.Request{
			Module: args[0],
			Intent: args[1],
			UserID: userID,
			Data:   data,
		})
		if err != nil {
			return err
		}

		var result gateway.Response
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if result.Status != gateway.StatusSuccess {
			printError("%s.%s: %s", result.Module, result.Intent, result.Message)
		} else {
			printSuccess("Stored interaction %s", result.InteractionID)
			if result.GenerationID != "" {
				printStatus("Generation", "%s", result.GenerationID)
			}
		}
		return printJSON(os.Stdout, result.Result)
	},
}

func init() {
	requestCmd.Flags().String("user", "", "user id the request is made for")
	requestCmd.Flags().String("data", "", "module input as a JSON object")
}

// --- feedback ---

var feedbackCmd = &cobra.Command{
	Use:   "feedback <generation-id> <command>",
	Short: "Apply feedback (+1, -1, flag) to a generation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")

		req := gateway.FeedbackRequest{GenerationID: args[0], Command: args[1], UserID: userID}
		if _, err := gateway.ValidateFeedback(req); err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/feedback", req)
		if err != nil {
			return err
		}

		var result gateway.FeedbackResult
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		fmt.Printf("%s  %s %s  (interaction %s)\n",
			colorize(statusColor(result.Status), result.Status),
			result.Command,
			result.GenerationID,
			result.InteractionID,
		)
		if result.Status == gateway.FeedbackQueued {
			printWarning("backend unreachable, feedback queued for delivery")
		}
		return nil
	},
}

func init() {
	feedbackCmd.Flags().String("user", "", "user giving feedback (defaults to the generation's owner)")
}

// --- generation ---

var generationCmd = &cobra.Command{
	Use:   "generation <id>",
	Short: "Show the interaction that produced a generation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/generations/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}

		var rec gateway.GenerationRecord
		if err := decodeJSON(resp, &rec); err != nil {
			return err
		}
		return printJSON(os.Stdout, rec)
	},
}

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history <user-id>",
	Short: "List a user's recent interactions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		q := url.Values{"user_id": {args[0]}, "limit": {strconv.Itoa(limit)}}
		resp, err := client.get(cmd.Context(), "/history?"+q.Encode())
		if err != nil {
			return err
		}

		var result struct {
			History []gateway.InteractionView `json:"history"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printInteractions(result.History)
		return nil
	},
}

func init() {
	historyCmd.Flags().Int("limit", 10, "maximum number of interactions to list")
}

func printInteractions(items []gateway.InteractionView) {
	if len(items) == 0 {
		fmt.Println("No interactions found.")
		return
	}
	for _, ix := range items {
		id := ix.ID
		if len(id) > 8 {
			id = id[:8]
		}
		gen := ""
		if ix.GenerationID != "" {
			gen = "  gen=" + ix.GenerationID
		}
		fmt.Printf("%s  %s  %s.%s  %s%s\n",
			colorize(colorCyan, id),
			ix.Timestamp.Format("2006-01-02 15:04:05"),
			ix.Module,
			ix.Intent,
			ix.UserID,
			gen,
		)
	}
}

// --- interactions ---

var interactionsCmd = &cobra.Command{
	Use:   "interactions",
	Short: "Browse stored interactions",
}

var interactionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent interactions across all users",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/interactions?limit=%d", limit))
		if err != nil {
			return err
		}

		var items []gateway.InteractionView
		if err := decodeJSON(resp, &items); err != nil {
			return err
		}
		printInteractions(items)
		return nil
	},
}

var interactionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single interaction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/interactions/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}

		var interaction gateway.InteractionView
		if err := decodeJSON(resp, &interaction); err != nil {
			return err
		}
		return printJSON(os.Stdout, interaction)
	},
}

func init() {
	interactionsListCmd.Flags().Int("limit", 20, "maximum number of interactions to list")
	interactionsCmd.AddCommand(interactionsListCmd)
	interactionsCmd.AddCommand(interactionsShowCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorCyan, "($"+k.EnvVar+")"))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a configuration value so its default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}
