package main

import "mailgateway/internal/app"

func main() {
	app.Execute(app.NewIngestorCommand())
}
