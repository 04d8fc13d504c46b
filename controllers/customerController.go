package controllers

import (
	"github.com/gofiber/fiber/v2"

	"coreflow-backend/billing"
	"coreflow-backend/database"
	"coreflow-backend/middlewares"
)

func CreateCustomer(c *fiber.Ctx) error {
	var in billing.CustomerInput
	if err := middlewares.BindAndValidate(c, &in); err != nil {
		return err
	}
	db, tenant, err := database.GetTenantDB(c)
	if err != nil {
		return err
	}
	customer, err := billing.CreateCustomer(c.UserContext(), db, tenant, in)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(customer)
}

func UpdateCustomer(c *fiber.Ctx) error {
	id, err := middlewares.ParamID(c, "id")
	if err != nil {
		return err
	}
	var patch billing.CustomerPatch
	if err := middlewares.BindAndValidate(c, &patch); err != nil {
		return err
	}
	db, tenant, err := database.GetTenantDB(c)
	if err != nil {
		return err
	}
	customer, err := billing.UpdateCustomer(c.UserContext(), db, tenant, id, patch)
	if err != nil {
		return err
	}
	return c.JSON(customer)
}

func GetCustomers(c *fiber.Ctx) error {
	db, tenant, err := database.GetTenantDB(c)
	if err != nil {
		return err
	}
	customers, err := billing.ListCustomers(c.UserContext(), db, tenant)
	if err != nil {
		return err
	}
	return c.JSON(customers)
}

func GetCustomer(c *fiber.Ctx) error {
	id, err := middlewares.ParamID(c, "id")
	if err != nil {
		return err
	}
	db, tenant, err := database.GetTenantDB(c)
	if err != nil {
		return err
	}
	customer, err := billing.GetCustomer(c.UserContext(), db, tenant, id)
	if err != nil {
		return err
	}
	return c.JSON(customer)
}
