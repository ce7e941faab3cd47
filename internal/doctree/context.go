package doctree

// FormatContext wraps a document for the chat agent.
func FormatContext(content *string, title string) string {
	if content == nil || *content == "" {
		return "<document_title>" + title + "</document_title>\n\n<document_content>\n\n</document_content>"
	}
	return "<document_title>" + title + "</document_title>\n\n<document_content>\n" + *content + "\n</document_content>"
}

// WithContext prepends the formatted document to a user message.
func WithContext(message string, content *string, title string) string {
	return FormatContext(content, title) + "\n\n" + message
}
