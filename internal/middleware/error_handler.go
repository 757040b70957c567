package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// CustomErrorHandler renders every error as a small JSON body so the
// checkout UI always gets something it can parse.
func CustomErrorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	message := "Something went wrong. Please try again later."

	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		if msg, ok := he.Message.(string); ok && msg != "" {
			message = msg
		} else {
			switch code {
			case http.StatusNotFound:
				message = "The resource you're looking for doesn't exist."
			case http.StatusBadRequest:
				message = "The request could not be processed."
			}
		}
	}

	c.Logger().Error(err)

	if c.Response().Committed {
		return
	}
	if err := c.JSON(code, map[string]string{"error": message}); err != nil {
		c.Logger().Error(err)
	}
}
