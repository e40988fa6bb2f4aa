package taskfile

import (
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/wyvernlabs/wyvern/pkg/models"
)

// Task file column layout. LoadFromFile accepts the full eight-column layout
// written by GenerateMarkdown, the older seven-column layout without the
// Next Retry column, or the minimal four-column layout (id, task, agent,
// status) the analysis stage may append.
var taskFileHeader = table.Row{"ID", "Task", "Depends On", "Agent", "Status", "Retries", "Next Retry", "Error"}

// GenerateMarkdown renders the tracker as a human-readable markdown document
// with a task table. An empty tracker renders the title and table header
// only.
func (tr *Tracker) GenerateMarkdown(title string) string {
	var b strings.Builder
	b.WriteString("# ")
	b.WriteString(title)
	b.WriteString("\n\n")

	w := table.NewWriter()
	w.AppendHeader(taskFileHeader)
	for _, rec := range tr.tasks {
		w.AppendRow(table.Row{
			rec.ID,
			sanitizeCell(rec.Task),
			orDash(strings.Join(rec.DependsOn, ",")),
			orDash(rec.AssignedAgent),
			string(rec.Status),
			strconv.Itoa(rec.RetryCount),
			formatRetryTime(rec.NextRetryAt),
			orDash(sanitizeCell(rec.ErrorMessage)),
		})
	}
	b.WriteString(w.RenderMarkdown())
	b.WriteString("\n")
	return b.String()
}

// sanitizeCell keeps a value table-safe: pipes would split the row and
// newlines would end it.
func sanitizeCell(s string) string {
	s = strings.ReplaceAll(s, "|", "/")
	s = strings.ReplaceAll(s, "\n", " ")
	return s
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func fromDash(s string) string {
	if s == "-" {
		return ""
	}
	return s
}

// formatRetryTime renders a backoff deadline for the Next Retry column. The
// deadline must round-trip through the file so a restart keeps the gate.
func formatRetryTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

// parseMarkdown extracts task records from a markdown document. Only table
// rows are considered; the header, separator, and any malformed rows are
// skipped silently so one bad line never poisons the file.
func parseMarkdown(content string) []*models.TaskRecord {
	var tasks []*models.TaskRecord
	now := time.Now()

	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "|") {
			continue
		}

		cells := splitRow(line)
		if isHeaderRow(cells) || isSeparatorRow(cells) {
			continue
		}

		rec := parseRow(cells, now)
		if rec == nil {
			continue
		}
		tasks = append(tasks, rec)
	}
	return tasks
}

// splitRow splits a "| a | b |" line into trimmed cell values.
func splitRow(line string) []string {
	line = strings.Trim(line, "|")
	parts := strings.Split(line, "|")
	cells := make([]string, len(parts))
	for i, p := range parts {
		cells[i] = strings.TrimSpace(p)
	}
	return cells
}

func isHeaderRow(cells []string) bool {
	return len(cells) > 0 && strings.EqualFold(cells[0], "id")
}

func isSeparatorRow(cells []string) bool {
	for _, c := range cells {
		if c == "" {
			continue
		}
		if strings.Trim(c, "-: ") != "" {
			return false
		}
	}
	return true
}

// parseRow builds a record from a table row, or returns nil for malformed
// rows. Eight cells is the full layout, seven the layout before the
// Next Retry column existed, four the minimal layout external writers may
// produce.
func parseRow(cells []string, now time.Time) *models.TaskRecord {
	var id, desc, deps, agent, status, retries, nextRetry, errMsg string

	switch len(cells) {
	case 8:
		id, desc, deps, agent, status, retries, nextRetry, errMsg =
			cells[0], cells[1], cells[2], cells[3], cells[4], cells[5], cells[6], cells[7]
	case 7:
		id, desc, deps, agent, status, retries, errMsg =
			cells[0], cells[1], cells[2], cells[3], cells[4], cells[5], cells[6]
	case 4:
		id, desc, agent, status = cells[0], cells[1], cells[2], cells[3]
	default:
		return nil
	}

	if id == "" || desc == "" {
		return nil
	}

	st := parseStatus(status)
	if st == "" {
		return nil
	}

	rec := &models.TaskRecord{
		ID:            id,
		Task:          desc,
		Status:        st,
		AssignedAgent: fromDash(normalizeUnassigned(agent)),
		ErrorMessage:  fromDash(errMsg),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if d := fromDash(deps); d != "" {
		for _, dep := range strings.Split(d, ",") {
			if dep = strings.TrimSpace(dep); dep != "" {
				rec.DependsOn = append(rec.DependsOn, dep)
			}
		}
	}
	if retries != "" && retries != "-" {
		if n, err := strconv.Atoi(retries); err == nil && n > 0 {
			rec.RetryCount = n
		}
	}
	if nr := fromDash(nextRetry); nr != "" {
		if ts, err := time.Parse(time.RFC3339, nr); err == nil {
			rec.NextRetryAt = &ts
		}
	}
	return rec
}

// parseStatus maps a status cell to a stored TaskStatus, returning "" for
// values that are not part of the task state machine.
func parseStatus(s string) models.TaskStatus {
	normalized := strings.ToLower(strings.TrimSpace(s))
	switch normalized {
	case "", "unassigned":
		return models.TaskStatusUnassigned
	}
	st := models.TaskStatus(normalized)
	if !st.Valid() {
		return ""
	}
	return st
}

// normalizeUnassigned treats the literal "unassigned" agent cell as empty.
func normalizeUnassigned(agent string) string {
	if strings.EqualFold(agent, "unassigned") {
		return ""
	}
	return agent
}
