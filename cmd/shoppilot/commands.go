package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/qnb/shoppilot/internal/api"
	"github.com/qnb/shoppilot/internal/chat"
	"github.com/qnb/shoppilot/internal/comparison"
	"github.com/qnb/shoppilot/internal/config"
	"github.com/qnb/shoppilot/internal/product"
	"github.com/qnb/shoppilot/internal/remote"
)

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// fetchState calls one comparison route and decodes its state.
func fetchState(ctx context.Context, client *apiClient, method, path string, body any) (api.StateResponse, error) {
	var resp api.StateResponse
	r, err := client.do(ctx, method, path, body)
	if err != nil {
		return resp, err
	}
	if err := decodeJSON(r, &resp); err != nil {
		return resp, err
	}
	return resp, nil
}

func printComparison(w io.Writer, resp api.StateResponse) {
	st := resp.State
	if resp.Warning != "" {
		printWarning("%s", resp.Warning)
	}

	session := "ad-hoc"
	if st.SessionID != "" {
		session = st.SessionID
	}
	header := fmt.Sprintf("Comparing %d of %d", len(st.Selection), comparison.MaxSelection)
	fmt.Fprintf(w, "%s  (session: %s", colorize(colorBold, header), session)
	if st.Minimized {
		fmt.Fprint(w, ", minimized")
	}
	fmt.Fprintln(w, ")")

	if len(st.Selection) == 0 {
		fmt.Fprintln(w, "  No products selected.")
		return
	}
	for i, p := range st.Selection {
		fmt.Fprintf(w, "  %d. %s  %s\n", i+1, colorize(colorCyan, p.ID), productLine(p))
	}
}

func stateCommand(use, short, method, path string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			resp, err := fetchState(commandContext(cmd), client, method, path, nil)
			if err != nil {
				return err
			}
			printComparison(cmd.OutOrStdout(), resp)
			return nil
		},
	}
}

// --- compare ---

var compareCmd = &cobra.Command{
	Use:   "compare",
	Short: "Show or change the products being compared",
}

var compareToggleCmd = &cobra.Command{
	Use:   "toggle <product-id>",
	Short: "Add a product to the comparison, or remove it if selected",
	Long: `Add a product to the comparison, or remove it if already selected.
At most four products can be compared.

Examples:
  shoppilot compare toggle 123456 --title "Wireless Mouse" --price 19.99
  shoppilot compare toggle 123456`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p := product.Ref{ID: args[0]}
		p.Title, _ = cmd.Flags().GetString("title")
		p.ImageURL, _ = cmd.Flags().GetString("image")
		p.URL, _ = cmd.Flags().GetString("url")
		p.SourcePlatform, _ = cmd.Flags().GetString("platform")
		if raw, _ := cmd.Flags().GetString("price"); raw != "" {
			price, err := product.NewAmount(raw)
			if err != nil {
				return fmt.Errorf("invalid --price %q: %w", raw, err)
			}
			p.Price = price
		}
		if cmd.Flags().Changed("rating") {
			rating, _ := cmd.Flags().GetFloat64("rating")
			p.Rating = &rating
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := fetchState(commandContext(cmd), client, "POST", "/v1/compare/toggle", p)
		if err != nil {
			return err
		}
		if resp.Changed != nil && !*resp.Changed {
			printWarning("Selection unchanged: at most %d products can be compared", comparison.MaxSelection)
		}
		printComparison(cmd.OutOrStdout(), resp)
		return nil
	},
}

var compareRemoveCmd = &cobra.Command{
	Use:   "remove <product-id>",
	Short: "Remove a product from the comparison",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := fetchState(commandContext(cmd), client, "DELETE", "/v1/compare/products/"+url.PathEscape(args[0]), nil)
		if err != nil {
			return err
		}
		if resp.Changed != nil && !*resp.Changed {
			printWarning("%s is not selected", args[0])
		}
		printComparison(cmd.OutOrStdout(), resp)
		return nil
	},
}

var compareResultsCmd = &cobra.Command{
	Use:   "results <query> [file]",
	Short: "Record the latest search results (JSON array of products, default stdin)",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		in := cmd.InOrStdin()
		if len(args) == 2 {
			f, err := os.Open(args[1])
			if err != nil {
				return fmt.Errorf("opening results: %w", err)
			}
			defer f.Close()
			in = f
		}
		var results []product.Ref
		if err := json.NewDecoder(in).Decode(&results); err != nil {
			return fmt.Errorf("invalid results JSON: %w", err)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.put(commandContext(cmd), "/v1/compare/search-results", map[string]any{
			"query":   args[0],
			"results": results,
		})
		if err != nil {
			return err
		}
		var st api.StateResponse
		if err := decodeJSON(resp, &st); err != nil {
			return err
		}
		printSuccess("Recorded %d results for %q", len(st.State.SearchResults), st.State.SearchQuery)
		return nil
	},
}

func init() {
	compareToggleCmd.Flags().String("title", "", "product title")
	compareToggleCmd.Flags().String("price", "", "price, e.g. 19.99")
	compareToggleCmd.Flags().String("image", "", "image URL")
	compareToggleCmd.Flags().String("url", "", "product page URL")
	compareToggleCmd.Flags().String("platform", "", "source platform, e.g. walmart")
	compareToggleCmd.Flags().Float64("rating", 0, "average rating from 0 to 5")

	compareCmd.AddCommand(
		stateCommand("show", "Show the current comparison", "GET", "/v1/compare"),
		compareToggleCmd,
		compareRemoveCmd,
		compareResultsCmd,
		stateCommand("start", "Save the comparison as a session on the server", "POST", "/v1/compare/start"),
		stateCommand("close", "Clear the comparison", "POST", "/v1/compare/close"),
		stateCommand("minimize", "Collapse the comparison view", "POST", "/v1/compare/minimize"),
		stateCommand("expand", "Restore the comparison view", "POST", "/v1/compare/expand"),
	)
}

// --- sessions ---

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage saved comparison sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved comparison sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(commandContext(cmd), fmt.Sprintf("/v1/sessions?limit=%d&offset=%d", limit, offset))
		if err != nil {
			return err
		}
		var list remote.SessionList
		if err := decodeJSON(resp, &list); err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		if len(list.Items) == 0 {
			fmt.Fprintln(w, "No saved sessions.")
			return nil
		}
		for _, s := range list.Items {
			name := s.SessionName
			if name == "" {
				name = s.OriginalSearchQuery
			}
			fmt.Fprintf(w, "%s  %s  %d products  %s\n",
				colorize(colorCyan, s.ComparisonID), s.UpdatedAt, len(s.ProductsPreview), name)
		}
		if shown := offset + len(list.Items); shown < list.Total {
			fmt.Fprintf(w, "(%d of %d, use --offset %d for more)\n", shown, list.Total, shown)
		}
		return nil
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show one saved session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(commandContext(cmd), "/v1/sessions/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var info remote.SessionInfo
		if err := decodeJSON(resp, &info); err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "%s  %s\n", colorize(colorBold, info.ComparisonID), info.SessionName)
		if info.OriginalSearchQuery != "" {
			fmt.Fprintf(w, "  search:  %s\n", info.OriginalSearchQuery)
		}
		if info.CreatedAt != "" {
			fmt.Fprintf(w, "  created: %s\n", info.CreatedAt)
		}
		if info.UpdatedAt != "" {
			fmt.Fprintf(w, "  updated: %s\n", info.UpdatedAt)
		}
		for i, p := range info.ProductsPreview {
			fmt.Fprintf(w, "  %d. %s\n", i+1, colorize(colorCyan, p.ProductID))
		}
		return nil
	},
}

var sessionsResumeCmd = &cobra.Command{
	Use:   "resume <session-id>",
	Short: "Open a saved session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := fetchState(commandContext(cmd), client, "POST", "/v1/sessions/"+url.PathEscape(args[0])+"/resume", nil)
		if err != nil {
			return err
		}
		printComparison(cmd.OutOrStdout(), resp)
		return nil
	},
}

var sessionsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete all saved sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This will delete ALL saved sessions. Use --confirm to proceed.")
			return nil
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if _, err := fetchState(commandContext(cmd), client, "DELETE", "/v1/sessions", nil); err != nil {
			return err
		}
		printSuccess("All sessions deleted")
		return nil
	},
}

func init() {
	sessionsListCmd.Flags().Int("limit", 20, "maximum number of sessions to list")
	sessionsListCmd.Flags().Int("offset", 0, "number of sessions to skip")
	sessionsClearCmd.Flags().Bool("confirm", false, "confirm deletion")
	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd, sessionsResumeCmd, sessionsClearCmd)
}

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Ask questions about the compared products",
}

var chatAskCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask a question; reads stdin when no question is given",
	RunE: func(cmd *cobra.Command, args []string) error {
		question := strings.Join(args, " ")
		if question == "" {
			sc := bufio.NewScanner(cmd.InOrStdin())
			var lines []string
			for sc.Scan() {
				lines = append(lines, sc.Text())
			}
			if err := sc.Err(); err != nil {
				return fmt.Errorf("reading question: %w", err)
			}
			question = strings.Join(lines, "\n")
		}
		if strings.TrimSpace(question) == "" {
			return fmt.Errorf("a question is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(commandContext(cmd), "/v1/chat/messages", map[string]string{"content": question})
		if err != nil {
			return err
		}
		var reply chat.Message
		if err := decodeJSON(resp, &reply); err != nil {
			return err
		}
		printMessage(cmd.OutOrStdout(), reply)
		return nil
	},
}

var chatShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the conversation",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(commandContext(cmd), "/v1/chat")
		if err != nil {
			return err
		}
		var c api.ChatResponse
		if err := decodeJSON(resp, &c); err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		if len(c.Messages) == 0 {
			fmt.Fprintln(w, "No conversation yet. Select a product first.")
			return nil
		}
		for _, m := range c.Messages {
			printMessage(w, m)
		}
		if c.Pending {
			fmt.Fprintln(w, colorize(colorYellow, "(waiting for a reply)"))
		}
		return nil
	},
}

var chatSuggestionsCmd = &cobra.Command{
	Use:   "suggestions",
	Short: "List starter questions for the current selection",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(commandContext(cmd), "/v1/chat/suggestions")
		if err != nil {
			return err
		}
		var body struct {
			Questions []string `json:"questions"`
		}
		if err := decodeJSON(resp, &body); err != nil {
			return err
		}
		for _, q := range body.Questions {
			fmt.Fprintf(cmd.OutOrStdout(), "  • %s\n", q)
		}
		return nil
	},
}

func init() {
	chatCmd.AddCommand(chatAskCmd, chatShowCmd, chatSuggestionsCmd)
}

// --- product ---

var productCmd = &cobra.Command{
	Use:   "product <product-id>",
	Short: "Show product details and image gallery",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, _ := cmd.Flags().GetBool("raw")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(commandContext(cmd), "/v1/products/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var d product.Detail
		if err := decodeJSON(resp, &d); err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		if raw {
			return printJSON(w, d.Raw)
		}
		fmt.Fprintf(w, "%s\n", colorize(colorBold, "Product "+d.ID))
		fmt.Fprintf(w, "  Images (%d):\n", len(d.Images))
		for _, img := range d.Images {
			fmt.Fprintf(w, "    %s\n", img)
		}
		fmt.Fprintf(w, "  Variants: %d\n", len(d.Variants))
		return nil
	},
}

func init() {
	productCmd.Flags().Bool("raw", false, "print the raw detail document")
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
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. Valid keys: " + strings.Join(config.ValidKeys(), ", "),
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
	Short: "Restore a configuration value to its default",
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
	configCmd.AddCommand(configShowCmd, configSetCmd, configUnsetCmd)
}

// --- auth ---

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Sign in to or out of the shopping API",
}

// notifyIdentity asks a running daemon to re-read the token now. A daemon
// that is not running picks the change up on start.
func notifyIdentity(ctx context.Context) {
	client, err := newAPIClient()
	if err != nil {
		return
	}
	if resp, err := client.post(ctx, "/v1/compare/focus", nil); err == nil {
		resp.Body.Close()
	}
}

var authLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store the API bearer token (read from stdin)",
	Long: `Store the API bearer token in the platform secret store.

Examples:
  echo "$TOKEN" | shoppilot auth login
  shoppilot auth login --token "$TOKEN"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		token, _ := cmd.Flags().GetString("token")
		if token == "" {
			data, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), 64<<10))
			if err != nil {
				return fmt.Errorf("reading token: %w", err)
			}
			token = string(data)
		}
		token = strings.TrimSpace(token)
		if token == "" {
			return fmt.Errorf("a token is required")
		}

		if err := config.SetAuthToken(config.NewKeychain(), token); err != nil {
			return fmt.Errorf("storing token: %w", err)
		}
		notifyIdentity(commandContext(cmd))
		printSuccess("Signed in (token stored in %s)", config.SecretStoreLocation())
		return nil
	},
}

var authLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove the stored API token",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetAuthToken(config.NewKeychain(), ""); err != nil {
			return fmt.Errorf("removing token: %w", err)
		}
		notifyIdentity(commandContext(cmd))
		if os.Getenv("SHOPPILOT_AUTH_TOKEN") != "" {
			printWarning("SHOPPILOT_AUTH_TOKEN is still set in the environment")
		}
		printSuccess("Signed out")
		return nil
	},
}

var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether a token is available",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.Auth.Token == "" {
			printStatus("Auth", "signed out")
			return nil
		}
		printStatus("Auth", "signed in")
		return nil
	},
}

func init() {
	authLoginCmd.Flags().String("token", "", "bearer token (default: read from stdin)")
	authCmd.AddCommand(authLoginCmd, authLogoutCmd, authStatusCmd)
}
