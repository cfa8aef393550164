package emu

import "github.com/blacktop/arm64hook/internal/colors"

// disassembly colors
var colorOp = colors.Bold().SprintfFunc()
var colorRegs = colors.BoldHiBlue().SprintFunc()
var colorImm = colors.BoldMagenta().SprintFunc()
var colorAddr = colors.BoldMagenta().SprintfFunc()
var colorOpCodes = colors.FaintHiWhite().SprintFunc()

// hook colors
var colorHook = colors.FaintHiBlue().SprintfFunc()
var colorDetails = colors.FaintWhite().SprintfFunc()
var colorInterrupt = colors.ItalicBoldHiYellow().SprintfFunc()
var colorChanged = colors.HiYellow().SprintfFunc()
