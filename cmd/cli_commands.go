package cmd

// cliCommand documents a command the prompt handles itself instead of
// sending it to the server.
type cliCommand struct {
	name    string
	usage   string
	summary string
}

var cliCommands = []cliCommand{
	{name: "connect", usage: "connect <host> <port>", summary: "Reconnect to another server."},
	{name: "clear", usage: "clear", summary: "Clear the screen."},
	{name: "help", usage: "help", summary: "Show this help."},
	{name: "exit", usage: "exit", summary: "Leave the prompt. \"quit\" is sent to the server."},
}
