package router

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/servisia/wa-engine/pkg/log"
)

type Response struct {
	Status  bool        `json:"status"`
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func logSuccess(c *fiber.Ctx, code int, message string) {
	statusMessage := http.StatusText(code)
	if statusMessage == message {
		log.Print(c).Info(fmt.Sprintf("%d %v", code, statusMessage))
	} else {
		log.Print(c).Info(fmt.Sprintf("%d %v", code, message))
	}
}

func logError(c *fiber.Ctx, code int, message string) {
	statusMessage := http.StatusText(code)
	if statusMessage == message {
		log.Print(c).Error(fmt.Sprintf("%d %v", code, statusMessage))
	} else {
		log.Print(c).Error(fmt.Sprintf("%d %v", code, message))
	}
}

func ResponseSuccess(c *fiber.Ctx, message string) error {
	response := Response{
		Status: true,
		Code:   http.StatusOK,
	}

	if strings.TrimSpace(message) == "" {
		message = http.StatusText(response.Code)
	}
	response.Message = message

	logSuccess(c, response.Code, response.Message)
	return c.Status(response.Code).JSON(response)
}

func ResponseSuccessWithData(c *fiber.Ctx, message string, data interface{}) error {
	response := Response{
		Status: true,
		Code:   http.StatusOK,
		Data:   data,
	}

	if strings.TrimSpace(message) == "" {
		message = http.StatusText(response.Code)
	}
	response.Message = message

	logSuccess(c, response.Code, response.Message)
	return c.Status(response.Code).JSON(response)
}

func ResponseNoContent(c *fiber.Ctx) error {
	return c.SendStatus(http.StatusNoContent)
}

func ResponseNotFound(c *fiber.Ctx, message string) error {
	return responseError(c, http.StatusNotFound, message)
}

func ResponseUnauthorized(c *fiber.Ctx, message string) error {
	return responseError(c, http.StatusUnauthorized, message)
}

func ResponseBadRequest(c *fiber.Ctx, message string) error {
	return responseError(c, http.StatusBadRequest, message)
}

func ResponseInternalError(c *fiber.Ctx, message string) error {
	return responseError(c, http.StatusInternalServerError, message)
}

func responseError(c *fiber.Ctx, code int, message string) error {
	if strings.TrimSpace(message) == "" {
		message = http.StatusText(code)
	}
	response := Response{
		Status:  false,
		Code:    code,
		Message: message,
		Error:   message,
	}

	logError(c, response.Code, response.Message)
	return c.Status(response.Code).JSON(response)
}
