package browser

import (
	"bytes"
	"html/template"
)

const documentTitle = "Embedded Page"

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>{{.Title}}</title>
<style>{{.Styles}}</style>
</head>
<body>
{{.Markup}}
<script>
(function () {
  var url = new URL({{.ChannelURL}}, window.location.href);
  url.protocol = url.protocol === "https:" ? "wss:" : "ws:";
  url.searchParams.set("port", {{.Port}});
  var socket = new WebSocket(url.toString());
  socket.addEventListener("open", function () {
    console.log("WebSocket connection established.");
  });
  socket.addEventListener("message", function (event) {
    console.log("Received message:", event.data);
  });
})();
</script>
</body>
</html>
`))

var errorTemplate = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>{{.Title}}</title>
</head>
<body>
<h1>{{.Message}}</h1>
</body>
</html>
`))

type pageData struct {
	Title      string
	Styles     template.CSS
	Markup     template.HTML
	ChannelURL string
	Port       string
}

type errorData struct {
	Title   string
	Message string
}

// RenderPage wraps captured markup and styles in a document that opens the
// preview channel with the given port.
func RenderPage(markup, styles, channelURL, port string) string {
	var buf bytes.Buffer
	data := pageData{
		Title:      documentTitle,
		Styles:     template.CSS(styles),
		Markup:     template.HTML(markup),
		ChannelURL: channelURL,
		Port:       port,
	}
	if err := pageTemplate.Execute(&buf, data); err != nil {
		return RenderError(err.Error())
	}
	return buf.String()
}

// RenderError returns a document that shows message in a heading.
func RenderError(message string) string {
	if message == "" {
		message = "unknown error"
	}
	var buf bytes.Buffer
	if err := errorTemplate.Execute(&buf, errorData{Title: documentTitle, Message: message}); err != nil {
		return "<!DOCTYPE html><html><body><h1>preview failed</h1></body></html>"
	}
	return buf.String()
}
