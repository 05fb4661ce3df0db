package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/blukai/netpong/internal/gameserver"
	"github.com/olekukonko/tablewriter"
)

// FetchStatus asks a running monitor at baseURL for the server status.
func FetchStatus(ctx context.Context, client *http.Client, baseURL string) (gameserver.Status, error) {
	var status gameserver.Status

	url := strings.TrimSuffix(baseURL, "/") + "/api/status"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return status, fmt.Errorf("could not construct request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return status, fmt.Errorf("could not get %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return status, fmt.Errorf("unexpected status from %s: %s", url, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return status, fmt.Errorf("could not decode status: %w", err)
	}
	return status, nil
}

// RenderStatus writes a summary line and a table of connected clients.
func RenderStatus(w io.Writer, status gameserver.Status, now time.Time) {
	fmt.Fprintf(w, "server %s: %d/%d clients, %d ticks\n",
		status.Addr, len(status.Clients), status.MaxClients, status.Ticks)

	tw := tablewriter.NewWriter(w)
	tw.SetHeader([]string{"ID", "Name", "Addr", "Connected", "Pings", "Retransmissions"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, c := range status.Clients {
		name := c.Name
		if name == "" {
			name = "-"
		}
		tw.Append([]string{
			fmt.Sprintf("%d", c.ID),
			name,
			c.Addr,
			now.Sub(c.ConnectedAt).Truncate(time.Second).String(),
			fmt.Sprintf("%d", c.PingsServed),
			fmt.Sprintf("%d", c.Retransmissions),
		})
	}

	tw.Render()
}
