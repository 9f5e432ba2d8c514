package errors

import (
	"sync"

	"envkit/internal/ui"
)

var (
	defaultHandler *ErrorHandler
	defaultErr     error
	once           sync.Once
)

func GetDefaultHandler() (*ErrorHandler, error) {
	once.Do(func() {
		defaultHandler, defaultErr = NewErrorHandler()
	})
	return defaultHandler, defaultErr
}

// HandleError reports err through the default handler. When no log file can
// be opened the error still reaches the console.
func HandleError(err error) {
	if err == nil {
		return
	}
	handler, handlerErr := GetDefaultHandler()
	if handlerErr != nil {
		ui.NewConsole().PrintError(err.Error())
		return
	}
	handler.Handle(err)
}

// resetDefaultHandler resets the singleton for testing purposes
func resetDefaultHandler() {
	if defaultHandler != nil {
		_ = defaultHandler.Close()
	}
	defaultHandler = nil
	defaultErr = nil
	once = sync.Once{}
}
