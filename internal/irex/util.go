package irex

// cPrintf prints through any of the color helpers without caring whether
// the underlying type is a *color.Theme or a color.Tag.
func cPrintf(p colorPrinter, format string, a ...any) {
	p.Printf(format, a...)
}

func cPrintln(p colorPrinter, a ...any) {
	p.Println(a...)
}
