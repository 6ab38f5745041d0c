package auth

const (
	PermCatalogWrite = "catalog.product.write"
	PermOrderRead    = "order.read"
	PermOrderManage  = "order.manage"
	PermUserManage   = "user.manage"
)

var BuiltinPermissions = []Permission{
	{Key: PermCatalogWrite, Description: "Create and edit catalog products"},
	{Key: PermOrderRead, Description: "View orders"},
	{Key: PermOrderManage, Description: "Update and fulfil orders"},
	{Key: PermUserManage, Description: "Manage user accounts and roles"},
}
