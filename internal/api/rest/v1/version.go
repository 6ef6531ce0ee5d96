package v1

// BasePath is the URL prefix the repository routes are mounted under.
// Repository clients resolve file URLs relative to the configured
// repository URL, so the routes live at the server root.
const BasePath = "/"
