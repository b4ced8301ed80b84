package monitor

import (
	"strconv"
	"strings"
	"time"

	"livefeed/internal/domain/model"
)

const (
	ansiReset    = "\033[0m"
	ansiRed      = "\033[31m"
	ansiGreen    = "\033[32m"
	ansiYellow   = "\033[33m"
	ansiDim      = "\033[2m"
	ansiClearEOL = "\033[K"
)

func colorize(s, c string) string { return c + s + ansiReset }

type Formatter struct {
	StaleAfter time.Duration // age after which the source tag is dimmed
	now        func() time.Time
}

func NewFormatter(staleAfter time.Duration) *Formatter {
	return &Formatter{StaleAfter: staleAfter, now: time.Now}
}

type RenderMode int

const (
	RenderLive RenderMode = iota
	RenderSnapshot
)

func (f *Formatter) Render(st *State, mode RenderMode) string {
	snap := st.Snapshot()

	var sb strings.Builder
	if mode == RenderLive {
		sb.WriteString("\r")
	}

	sb.WriteString(colorize("[LIVEFEED] ", ansiDim))

	for i, key := range st.Keys() {
		if i > 0 {
			sb.WriteString(colorize("  ||  ", ansiDim))
		}
		ks := snap[key]

		px := "--"
		col := ansiYellow
		if ks.has {
			px = strconv.FormatFloat(ks.price, 'f', -1, 64)
			switch ks.dir {
			case DirUp:
				col = ansiGreen
			case DirDown:
				col = ansiRed
			}
		}

		sb.WriteString(key.Symbol)
		if key.Channel != model.ChannelQuotes {
			sb.WriteString("/" + string(key.Channel))
		}
		sb.WriteString(" ")
		sb.WriteString(colorize(px, col))

		if ks.has {
			tag := "ws"
			if ks.source == model.SourceREST {
				tag = "rest"
			}
			tagCol := ansiDim
			if f.StaleAfter > 0 && f.now().Sub(ks.at) > f.StaleAfter {
				tagCol = ansiYellow
				tag += "!"
			}
			sb.WriteString(" ")
			sb.WriteString(colorize(tag, tagCol))
		}
	}

	if mode == RenderLive {
		sb.WriteString(ansiClearEOL)
	}
	return sb.String()
}
