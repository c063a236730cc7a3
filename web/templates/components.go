package templates

import (
	"context"
	"fmt"
	"io"
	"strings"

	"eda-agent/session"
	"eda-agent/web/types"

	"github.com/a-h/templ"
)

const pageStyle = `body{font-family:system-ui,sans-serif;margin:0;display:flex;min-height:100vh;color:#1f2328}
aside{width:300px;padding:1rem;background:#f6f8fa;border-right:1px solid #d0d7de}
main{flex:1;padding:1rem 2rem;max-width:960px}
.msg{padding:.75rem 1rem;margin:.5rem 0;border-radius:8px}
.msg.user{background:#ddf4ff}.msg.assistant{background:#f6f8fa}
.msg img{max-width:100%;margin-top:.5rem}
.notice{padding:.5rem 1rem;border-radius:6px;margin:.5rem 0}
.notice.success{background:#dafbe1}.notice.info{background:#ddf4ff}
.notice.warning{background:#fff8c5}.notice.error{background:#ffebe9}
table{border-collapse:collapse;font-size:.9rem}td,th{border:1px solid #d0d7de;padding:.25rem .5rem}
form.ask{display:flex;gap:.5rem;margin-top:1rem}form.ask input{flex:1;padding:.5rem}`

func write(w io.Writer, parts ...string) error {
	for _, p := range parts {
		if _, err := io.WriteString(w, p); err != nil {
			return err
		}
	}
	return nil
}

func esc(s string) string { return templ.EscapeString(s) }

// ChatPage renders the whole chat screen.
func ChatPage(data types.PageData) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		title := data.Title
		if title == "" {
			title = "Data analysis chat"
		}
		if err := write(w, `<!DOCTYPE html><html lang="en"><head><meta charset="utf-8">`,
			`<meta name="viewport" content="width=device-width, initial-scale=1">`,
			`<title>`, esc(title), `</title><style>`, pageStyle, `</style></head><body>`); err != nil {
			return err
		}
		if err := Sidebar(data).Render(ctx, w); err != nil {
			return err
		}
		if err := write(w, `<main><h1>`, esc(title), `</h1>`); err != nil {
			return err
		}
		for _, n := range data.Notices {
			if err := NoticeBlock(n).Render(ctx, w); err != nil {
				return err
			}
		}
		if data.Preview != nil {
			if err := PreviewTable(*data.Preview).Render(ctx, w); err != nil {
				return err
			}
		}
		if err := write(w, `<section id="transcript">`); err != nil {
			return err
		}
		for _, m := range data.Messages {
			if err := MessageBlock(m).Render(ctx, w); err != nil {
				return err
			}
		}
		if err := write(w, `</section>`); err != nil {
			return err
		}
		if err := AskForm(data).Render(ctx, w); err != nil {
			return err
		}
		return write(w, `</main></body></html>`)
	})
}

// Sidebar holds the credential field, the upload form, the reset button and usage help.
func Sidebar(data types.PageData) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		if err := write(w, `<aside><h2>Settings</h2>`); err != nil {
			return err
		}
		switch {
		case !data.CredentialRequired:
			if err := write(w, `<p>Model: `, esc(data.Provider), `. API key loaded from the secrets store.</p>`); err != nil {
				return err
			}
		default:
			status := "No API key entered yet."
			if data.HasCredential {
				status = "API key set for this session."
			}
			if err := write(w, `<form method="post" action="/credentials">`,
				`<label for="api_key">API key (`, esc(data.Provider), `)</label><br>`,
				`<input type="password" id="api_key" name="api_key" autocomplete="off">`,
				`<button type="submit">Save</button></form><p>`, esc(status), `</p>`); err != nil {
				return err
			}
		}
		if err := write(w, `<form method="post" action="/upload" enctype="multipart/form-data">`,
			`<label for="file">Upload a CSV file (max `, fmt.Sprint(data.MaxUploadMB), ` MB)</label><br>`,
			`<input type="file" id="file" name="file" accept=".csv,text/csv">`,
			`<button type="submit">Load</button></form>`); err != nil {
			return err
		}
		if data.DatasetName != "" {
			if err := write(w, `<p>Loaded: <strong>`, esc(data.DatasetName), `</strong> `, esc(data.DatasetShape), `</p>`); err != nil {
				return err
			}
		}
		return write(w, `<form method="post" action="/reset"><button type="submit">Restart conversation</button></form>`,
			`<h3>How to use</h3><ol><li>Provide an API key if asked.</li>`,
			`<li>Upload a CSV file.</li><li>Ask questions about the data, for example "What is the average of each numeric column?" or "Plot the distribution of price".</li></ol>`,
			`</aside>`)
	})
}

// NoticeBlock renders a one-shot status message.
func NoticeBlock(n session.Notice) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		return write(w, `<div class="notice `, esc(n.Level), `" role="status">`, esc(n.Text), `</div>`)
	})
}

// PreviewTable renders the first rows of a freshly loaded dataset.
func PreviewTable(p types.PreviewView) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		if err := write(w, `<section class="preview"><h2>Preview of `, esc(p.Name), `</h2><p>`, esc(p.Summary), `</p><table><thead><tr>`); err != nil {
			return err
		}
		for _, c := range p.Columns {
			if err := write(w, `<th>`, esc(c), `</th>`); err != nil {
				return err
			}
		}
		if err := write(w, `</tr></thead><tbody>`); err != nil {
			return err
		}
		for _, row := range p.Rows {
			var b strings.Builder
			b.WriteString(`<tr>`)
			for _, v := range row {
				b.WriteString(`<td>`)
				b.WriteString(esc(v))
				b.WriteString(`</td>`)
			}
			b.WriteString(`</tr>`)
			if err := write(w, b.String()); err != nil {
				return err
			}
		}
		return write(w, `</tbody></table></section>`)
	})
}

// MessageBlock renders one transcript message. Assistant HTML comes from the
// markdown renderer, which drops raw HTML.
func MessageBlock(m types.MessageView) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		body := m.HTML
		if body == "" {
			body = `<p>` + strings.ReplaceAll(esc(m.Content), "\n", "<br>") + `</p>`
		}
		if err := write(w, `<div class="msg `, esc(m.Role), `" id="msg-`, esc(m.ID), `">`, body); err != nil {
			return err
		}
		if m.ChartURL != "" {
			if err := ImageBlock(m.ChartURL).Render(ctx, w); err != nil {
				return err
			}
		}
		return write(w, `</div>`)
	})
}

// ImageBlock renders a chart image.
func ImageBlock(url string) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		return write(w, `<img src="`, esc(string(templ.URL(url))), `" alt="chart">`)
	})
}

// AskForm is the question input; it is disabled until a dataset is loaded.
func AskForm(data types.PageData) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		disabled := ""
		placeholder := "Ask a question about your data"
		if data.DatasetName == "" {
			disabled = " disabled"
			placeholder = "Upload a CSV file to start"
		}
		return write(w, `<form class="ask" method="post" action="/chat">`,
			`<input type="text" name="message" placeholder="`, esc(placeholder), `"`, disabled, ` required>`,
			`<button type="submit"`, disabled, `>Send</button></form>`)
	})
}
