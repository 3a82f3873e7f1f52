package app

const (
	Name           = "nmtunnel"
	ConfigFilename = "config.json"
	RecordFilename = "connection.json"
	DBFilename     = "journal.db"
	LogFilename    = "app.log"
)
