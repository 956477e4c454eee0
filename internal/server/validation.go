package server

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

var (
	registerValidationsOnce sync.Once
	registerValidationsErr  error
)

// registerValidations installs the custom binding rules on gin's validator engine.
func registerValidations() error {
	registerValidationsOnce.Do(func() {
		engine, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			registerValidationsErr = fmt.Errorf("unexpected validator engine %T", binding.Validator.Engine())
			return
		}
		registerValidationsErr = engine.RegisterValidation("maxlines", validateMaxLines)
	})
	return registerValidationsErr
}

// validateMaxLines limits the number of newline characters in a string field.
func validateMaxLines(field validator.FieldLevel) bool {
	limit, err := strconv.Atoi(field.Param())
	if err != nil {
		return false
	}
	return strings.Count(field.Field().String(), "\n") <= limit
}
