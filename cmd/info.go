package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/gorilla/websocket"
	"github.com/quillui/bridge/pkg/config"
	"github.com/urfave/cli/v3"
)

var (
	infoTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("86")).
			Background(lipgloss.Color("235")).
			Padding(0, 1).
			Margin(0, 0, 1, 0)

	infoHeaderStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("214")).
			Margin(1, 0, 0, 0)

	infoValueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")).
			Margin(0, 0, 0, 2)

	infoMetaStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Italic(true)
)

// InfoCommand creates the info command
func InfoCommand() *cli.Command {
	return &cli.Command{
		Name:  "info",
		Usage: "Connect to a running bridge and show its info frame",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "token",
				Usage: "Authentication token",
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Print the raw info payload as JSON",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return showInfo(ctx, c.String("config"), c.String("token"), c.Bool("json"))
		},
	}
}

func showInfo(ctx context.Context, configPath, token string, rawJSON bool) error {
	cfg, err := config.Resolve(configPath, nil)
	if err != nil {
		return cli.Exit(fmt.Sprintf("resolving config: %v", err), 2)
	}

	url := fmt.Sprintf("ws://%s:%d/ws", cfg.Bridge.Host, cfg.Bridge.Port)
	if token != "" {
		url += "?token=" + token
	}

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	ws, _, err := websocket.DefaultDialer.DialContext(dialCtx, url, nil)
	if err != nil {
		return cli.Exit(fmt.Sprintf("connecting to %s: %v", url, err), 3)
	}
	defer func() { _ = ws.Close() }()

	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	if err := ws.ReadJSON(&frame); err != nil {
		return cli.Exit(fmt.Sprintf("reading info frame: %v", err), 3)
	}
	if frame.Event != "info" {
		return cli.Exit(fmt.Sprintf("expected info frame, got %q", frame.Event), 3)
	}

	if rawJSON {
		fmt.Println(string(frame.Data))
		return nil
	}

	var info struct {
		ServerVersion string   `json:"server_version"`
		Features      []string `json:"features"`
		Cache         map[string]any `json:"cache"`
		Models        []struct {
			Name       string   `json:"name"`
			Operations []string `json:"operations"`
		} `json:"models"`
		Session map[string]any `json:"session"`
	}
	if err := json.Unmarshal(frame.Data, &info); err != nil {
		return cli.Exit(fmt.Sprintf("decoding info frame: %v", err), 3)
	}

	fmt.Println(infoTitleStyle.Render("quill bridge @ " + url))
	fmt.Println(infoHeaderStyle.Render("Server"))
	fmt.Println(infoValueStyle.Render("version: " + info.ServerVersion))
	fmt.Println(infoValueStyle.Render("features: " + strings.Join(info.Features, ", ")))

	fmt.Println(infoHeaderStyle.Render("Session"))
	fmt.Println(infoValueStyle.Render(fmt.Sprintf("identity: %v (role %v)", info.Session["identity"], info.Session["role"])))

	fmt.Println(infoHeaderStyle.Render("Models"))
	if len(info.Models) == 0 {
		fmt.Println(infoValueStyle.Render(infoMetaStyle.Render("none discoverable")))
	}
	for _, m := range info.Models {
		fmt.Println(infoValueStyle.Render(m.Name + ": " + strings.Join(m.Operations, ", ")))
	}

	fmt.Println(infoHeaderStyle.Render("Cache"))
	fmt.Println(infoValueStyle.Render(fmt.Sprintf("schemas: %v hits / %v misses, queries: %v hits / %v misses",
		info.Cache["schema_hits"], info.Cache["schema_misses"],
		info.Cache["query_hits"], info.Cache["query_misses"])))
	return nil
}
