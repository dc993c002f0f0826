package web

import "embed"

// Static embeds the board stylesheet and other static assets.
//
//go:embed static/**/*
var Static embed.FS
