package dispatch

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"

	"github.com/zactuator/zactuator/internal/hotkeys"
	"github.com/zactuator/zactuator/internal/zabbix"
	"github.com/zactuator/zactuator/pkg/protocol"
)

// historyPartSize is how many history records one body section holds.
const historyPartSize = 50

const timeLayout = "2006-01-02 15:04:05"

func (d *Dispatcher) renderHostInfo(ctx context.Context, cmd protocol.Command, entry hotkeys.Entry) (protocol.Response, error) {
	triggers, err := d.zbx.HostTriggers(ctx, entry.ZabbixHost, nil)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("host triggers for %s: %w", entry.ZabbixHost, err)
	}

	var problem, info int
	for _, t := range triggers {
		if t.Priority > 2 {
			problem++
		} else {
			info++
		}
	}

	var body strings.Builder
	if problem > 0 {
		fmt.Fprintf(&body, ">>fire<< <i>Problem-triggers: <b>%d</b></i>\n", problem)
	} else {
		body.WriteString(">>OK<< <i>No problems on line</i>\n")
	}
	fmt.Fprintf(&body, ">>info<< <i>Info-triggers: <b>%d</b></i>\n", info)

	if len(entry.Items) > 0 {
		items, err := d.zbx.ItemValues(ctx, entry.Items)
		if err != nil {
			return protocol.Response{}, fmt.Errorf("item values for %s: %w", entry.ZabbixHost, err)
		}
		body.WriteString("\n<b>Items overview:</b>\n")
		body.WriteString(formatItems(items))
	}

	resp := protocol.Response{
		CorrelatesTo: cmd.ID,
		Destination:  cmd.Origin,
		Subject:      fmt.Sprintf("Host info for %s", entry.ZabbixHost),
	}

	if entry.MainImage != nil {
		source := zabbix.GraphSource(entry.MainImage.Source)
		png, err := d.zbx.FetchGraph(ctx, source, entry.MainImage.ID, 1)
		if err != nil {
			return protocol.Response{}, fmt.Errorf("main image for %s: %w", entry.ZabbixHost, err)
		}
		resp.Attachments = append(resp.Attachments, pngAttachment(string(source), entry.MainImage.ID, png))
		body.WriteString("\n<b>Graph:</b>\n")
	}

	resp.Body = body.String()
	return resp, nil
}

func (d *Dispatcher) renderItems(ctx context.Context, cmd protocol.Command, entry hotkeys.Entry) (protocol.Response, error) {
	ids := entry.Items
	if entry.Ref.Type == protocol.EntityItem {
		ids = []string{entry.Ref.ID}
	}
	items, err := d.zbx.ItemValues(ctx, ids)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("item values: %w", err)
	}
	return protocol.Response{
		CorrelatesTo: cmd.ID,
		Destination:  cmd.Origin,
		Subject:      "Items info",
		Body:         formatItems(items),
	}, nil
}

func (d *Dispatcher) renderGraph(ctx context.Context, cmd protocol.Command, entry hotkeys.Entry) (protocol.Response, error) {
	source, id, err := graphSource(entry)
	if err != nil {
		return protocol.Response{}, err
	}
	period := cmd.IntArg("period", 1)

	info, err := d.zbx.ElementInfo(ctx, source, id)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("element info for %s %s: %w", source, id, err)
	}
	png, err := d.zbx.FetchGraph(ctx, source, id, period)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("fetch graph for %s %s: %w", source, id, err)
	}

	return protocol.Response{
		CorrelatesTo: cmd.ID,
		Destination:  cmd.Origin,
		Subject:      fmt.Sprintf("%s - %s", info.Host, info.Name),
		Attachments:  []protocol.Attachment{pngAttachment(string(source), id, png)},
	}, nil
}

func (d *Dispatcher) renderHistory(ctx context.Context, cmd protocol.Command, entry hotkeys.Entry) (protocol.Response, error) {
	period := cmd.IntArg("period", 1)
	limit := cmd.IntArg("limit", 100)

	points, err := d.zbx.ItemHistory(ctx, entry.Ref.ID, period, limit)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("history for item %s: %w", entry.Ref.ID, err)
	}

	return protocol.Response{
		CorrelatesTo: cmd.ID,
		Destination:  cmd.Origin,
		Subject: fmt.Sprintf("History of item %s. Period: last %d hour(s) (%d records)",
			entry.Ref.ID, period, len(points)),
		Body: formatHistory(points),
	}, nil
}

func (d *Dispatcher) renderBadTriggers(ctx context.Context, cmd protocol.Command, entry hotkeys.Entry) (protocol.Response, error) {
	direction := cmd.StringArg("direction", "ge")
	priority := cmd.IntArg("priority", 1)

	if priority < 0 || priority > zabbix.MaxTriggerPriority {
		priority = 1
	}
	switch direction {
	case "le", "eq", "ge":
	default:
		direction = "ge"
	}

	triggers, err := d.zbx.HostTriggers(ctx, entry.ZabbixHost, zabbix.PrioritySet(direction, priority))
	if err != nil {
		return protocol.Response{}, fmt.Errorf("triggers for %s: %w", entry.ZabbixHost, err)
	}

	return protocol.Response{
		CorrelatesTo: cmd.ID,
		Destination:  cmd.Origin,
		Subject: fmt.Sprintf("Problem triggers for priority %s %d, host: %s",
			direction, priority, entry.ZabbixHost),
		Body: formatTriggers(triggers),
	}, nil
}

// renderHotKeys lists the configured quick actions for a host. It
// never touches the monitoring system.
func (d *Dispatcher) renderHotKeys(cmd protocol.Command, entry hotkeys.Entry) (protocol.Response, error) {
	var body strings.Builder
	for _, id := range entry.Items {
		fmt.Fprintf(&body, ">>info<< getitems:: item %s\n", id)
	}
	for _, name := range sortedKeys(entry.ItemGraphs) {
		fmt.Fprintf(&body, ">>graph2<< %s:: graph item %s\n", name, entry.ItemGraphs[name])
	}
	for _, name := range sortedKeys(entry.Graphs) {
		fmt.Fprintf(&body, ">>graph1<< %s:: graph graph %s\n", name, entry.Graphs[name])
	}
	return protocol.Response{
		CorrelatesTo: cmd.ID,
		Destination:  cmd.Origin,
		Subject:      fmt.Sprintf(">>High<< Hot keys for %s", entry.Name),
		Body:         body.String(),
	}, nil
}

// graphSource picks the chart source for a graph command: item and
// graph entities render themselves, a host renders its main image.
func graphSource(entry hotkeys.Entry) (zabbix.GraphSource, string, error) {
	switch entry.Ref.Type {
	case protocol.EntityItem:
		return zabbix.SourceItem, entry.Ref.ID, nil
	case protocol.EntityGraph:
		return zabbix.SourceGraph, entry.Ref.ID, nil
	case protocol.EntityHost:
		if entry.MainImage == nil {
			return "", "", fmt.Errorf("%w: host %s has no main image configured", errBadTemplate, entry.Ref.ID)
		}
		return zabbix.GraphSource(entry.MainImage.Source), entry.MainImage.ID, nil
	}
	return "", "", fmt.Errorf("%w: no chart source for %s", errBadTemplate, entry.Ref)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func pngAttachment(source, id string, png []byte) protocol.Attachment {
	return protocol.Attachment{
		Name:       fmt.Sprintf("%s_%s.png", source, id),
		ContentB64: base64.StdEncoding.EncodeToString(png),
	}
}

func formatItems(items []zabbix.Item) string {
	var b strings.Builder
	for _, item := range items {
		value := item.LastValue
		if value == "" {
			value = "<i>No data</i>"
		}
		fmt.Fprintf(&b, ">>lupa<< <b>%s::%s</b> = %s\n", strings.Join(item.Hosts, ", "), item.Name, value)
	}
	return b.String()
}

func formatTriggers(triggers []zabbix.Trigger) string {
	if len(triggers) == 0 {
		return ">>OK<< <i> NO TURNED TRIGGERS </i>\n"
	}
	var b strings.Builder
	for _, t := range triggers {
		fmt.Fprintf(&b, "\n\n>>clock<< %s\n>>%d<<<b>%s</b>:: %s",
			t.LastChange.Format(timeLayout), t.Priority, strings.Join(t.Hosts, ", "), t.Description)
	}
	return b.String()
}

// formatHistory renders history in sections of historyPartSize records
// so a long run stays readable in chat clients.
func formatHistory(points []zabbix.HistoryPoint) string {
	var parts []string
	for start := 0; start < len(points); start += historyPartSize {
		end := start + historyPartSize
		if end > len(points) {
			end = len(points)
		}
		lines := make([]string, 0, end-start)
		for _, p := range points[start:end] {
			lines = append(lines, fmt.Sprintf("Time: %s Value: %s", p.Clock.Format(timeLayout), p.Value))
		}
		parts = append(parts, strings.Join(lines, "\n"))
	}
	return strings.Join(parts, "\n\n")
}
