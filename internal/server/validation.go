package server

import (
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"vaultops/internal/amount"
)

type actionRequest struct {
	Amount string `json:"amount" binding:"omitempty,amount"`
	Max    bool   `json:"max"`
}

// validAmount accepts a plain non-negative decimal. Precision is applied
// once the action, and with it the token, is known.
func validAmount(fl validator.FieldLevel) bool {
	_, ok := amount.FromInput(fl.Field().String(), 0)
	return ok
}

var (
	registerOnce sync.Once
	registerErr  error
)

// registerValidators installs the custom rules on gin's validator engine.
func registerValidators() error {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			registerErr = errors.New("gin validator engine is not go-playground/validator")
			return
		}
		if err := v.RegisterValidation("amount", validAmount); err != nil {
			registerErr = errors.Wrap(err, "register amount validator")
		}
	})
	return registerErr
}
