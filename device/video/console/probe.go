package console

import "anyos/kernel/hal/multiboot"

var getFramebufferInfoFn = multiboot.GetFramebufferInfo
